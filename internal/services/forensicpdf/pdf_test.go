package forensicpdf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"custody-ledger/internal/adapters/filestore"
	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/hash"
	"custody-ledger/internal/platform/id"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/integrity"
	"custody-ledger/internal/services/lifecycle"
)

func TestGenerateCustodyPDF_CreatesReportAndFile(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	db, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(tmp, "custody.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	store := sqliteadapter.NewStore(db)

	now := time.Now().Unix()
	users := []model.User{
		{UserID: id.New("usr"), Username: "ivy", Email: "ivy@lab.test", FullName: "Ivy Investigator", Role: model.RoleInvestigator},
		{UserID: id.New("usr"), Username: "mia", Email: "mia@lab.test", FullName: "Mia Manager", Role: model.RoleManager},
	}
	for _, u := range users {
		u.PasswordHash, u.Active, u.CreatedAt, u.UpdatedAt = "x", true, now, now
		if err := store.InsertUser(ctx, u); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}
	ivy := model.Actor{UserID: users[0].UserID, Username: "ivy", Role: model.RoleInvestigator}
	mia := model.Actor{UserID: users[1].UserID, Username: "mia", Role: model.RoleManager}

	caseID := id.New("case")
	if err := store.InsertCase(ctx, model.Case{
		CaseID: caseID, CaseNo: "DEFM-2026-011", Title: "Wire fraud", Status: model.CaseOpen,
		Priority: model.PriorityHigh, CreatedBy: ivy.UserID, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert case: %v", err)
	}

	cfg := app.DefaultConfig()
	cfg.UploadDir = filepath.Join(tmp, "uploads")
	verifier := integrity.New(time.Second)
	ledger := custody.NewLedger(store, nil)
	mgr := lifecycle.NewManager(store, ledger, filestore.New(cfg.UploadDir, cfg.MaxFileSize, verifier), verifier, cfg, nil)

	ev, err := mgr.Register(ctx, ivy, lifecycle.RegisterInput{CaseID: caseID, Title: "Laptop image", Type: model.EvidenceDigital})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := mgr.AttachFile(ctx, ivy, ev.EvidenceID, strings.NewReader("disk image bytes"), "laptop.txt", "text/plain"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := ledger.Transfer(ctx, ivy, custody.TransferInput{EvidenceID: ev.EvidenceID, To: mia.UserID, Purpose: "lab analysis"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	res, err := GenerateCustodyPDF(ctx, store, Options{
		CaseID:    caseID,
		ReportDir: filepath.Join(tmp, "reports"),
		Actor:     mia,
		Note:      "unit_test",
		IPAddress: "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("GenerateCustodyPDF: %v", err)
	}
	if res.ReportID == "" || res.PDFPath == "" || res.PDFSHA256 == "" {
		t.Fatalf("incomplete result: %+v", res)
	}

	st, err := os.Stat(res.PDFPath)
	if err != nil {
		t.Fatalf("stat pdf: %v", err)
	}
	if st.Size() <= 0 {
		t.Fatalf("pdf size should be > 0, got %d", st.Size())
	}
	sum, _, err := hash.File(res.PDFPath)
	if err != nil {
		t.Fatalf("hash pdf: %v", err)
	}
	if sum != res.PDFSHA256 {
		t.Fatalf("sha mismatch: file=%s res=%s", sum, res.PDFSHA256)
	}

	info, err := store.GetReportByID(ctx, res.ReportID)
	if err != nil {
		t.Fatalf("get report by id: %v", err)
	}
	if info == nil {
		t.Fatalf("report not found by id: %s", res.ReportID)
	}
	if info.ReportType != model.ReportCustodyPDF {
		t.Fatalf("unexpected report type: %s", info.ReportType)
	}
	if info.GeneratedBy != mia.UserID {
		t.Fatalf("unexpected generated_by: %s", info.GeneratedBy)
	}

	audits, err := store.ListAuditLogs(ctx, model.AuditFilter{EntityType: "report", EntityID: res.ReportID})
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(audits) != 1 || audits[0].Action != "export" || audits[0].IPAddress != "127.0.0.1" {
		t.Fatalf("unexpected audit rows: %+v", audits)
	}
}

func TestGenerateCustodyPDF_UnknownCase(t *testing.T) {
	ctx := context.Background()
	db, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "custody.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	_, err = GenerateCustodyPDF(ctx, sqliteadapter.NewStore(db), Options{CaseID: "case_missing", ReportDir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected error for unknown case")
	}
}

func TestSafeText_ReplacesNonASCIIWithoutFont(t *testing.T) {
	if got := safeText("证据\tA", false); got != "?? A" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := safeText(" 证据 ", true); got != "证据" {
		t.Fatalf("unexpected: %q", got)
	}
}
