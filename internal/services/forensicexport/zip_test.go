package forensicexport

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"custody-ledger/internal/adapters/filestore"
	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/id"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/integrity"
	"custody-ledger/internal/services/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *sqliteadapter.Store
	actor  model.Actor
	caseID string
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(dir, "custody.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqliteadapter.NewStore(db)

	now := time.Now().Unix()
	holders := make([]model.Actor, 0, 2)
	for _, name := range []string{"ivy", "mia"} {
		u := model.User{
			UserID: id.New("usr"), Username: name, Email: name + "@lab.test", FullName: name,
			PasswordHash: "x", Role: model.RoleManager, Active: true, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, store.InsertUser(ctx, u))
		holders = append(holders, model.Actor{UserID: u.UserID, Username: name, Role: u.Role})
	}

	caseID := id.New("case")
	require.NoError(t, store.InsertCase(ctx, model.Case{
		CaseID: caseID, CaseNo: "DEFM-2026-021", Title: "Exfiltration", Status: model.CaseOpen,
		Priority: model.PriorityHigh, CreatedBy: holders[0].UserID, CreatedAt: now, UpdatedAt: now,
		ClientName: "Acme Bank", ClientContact: "sec@acme.test",
	}))

	cfg := app.DefaultConfig()
	cfg.UploadDir = filepath.Join(dir, "uploads")
	verifier := integrity.New(time.Second)
	ledger := custody.NewLedger(store, nil)
	mgr := lifecycle.NewManager(store, ledger, filestore.New(cfg.UploadDir, cfg.MaxFileSize, verifier), verifier, cfg, nil)

	withFile, err := mgr.Register(ctx, holders[0], lifecycle.RegisterInput{CaseID: caseID, Title: "USB dump", Type: model.EvidenceDigital})
	require.NoError(t, err)
	_, err = mgr.AttachFile(ctx, holders[0], withFile.EvidenceID, strings.NewReader("usb sectors"), "usb.txt", "text/plain")
	require.NoError(t, err)
	_, err = ledger.Transfer(ctx, holders[0], custody.TransferInput{EvidenceID: withFile.EvidenceID, To: holders[1].UserID})
	require.NoError(t, err)

	_, err = mgr.Register(ctx, holders[0], lifecycle.RegisterInput{CaseID: caseID, Title: "Badge", Type: model.EvidencePhysical})
	require.NoError(t, err)

	return &fixture{store: store, actor: holders[1], caseID: caseID, dir: dir}
}

func TestGenerateCaseBundle_VerifiesClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := GenerateCaseBundle(ctx, f.store, BundleOptions{
		CaseID:    f.caseID,
		ExportDir: filepath.Join(f.dir, "exports"),
		Actor:     f.actor,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	info, err := f.store.GetReportByID(ctx, res.ReportID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, model.ReportCaseBundle, info.ReportType)
	assert.Equal(t, res.ZipSHA256, info.SHA256)

	rep, err := VerifyBundle(res.ZipPath)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Equal(t, 2, rep.Total) // evidence file + manifest
	require.Len(t, rep.Chains, 2)
	for _, c := range rep.Chains {
		assert.True(t, c.Result.OK, c.EvidenceNo)
		assert.True(t, c.DescriptorOK, c.EvidenceNo)
	}

	m := readManifest(t, res.ZipPath)
	assert.Equal(t, "DEFM-2026-021", m.Case.CaseNo)
	assert.Equal(t, 2, m.Stats["evidence_count"])
	var holders []string
	for _, me := range m.Evidence {
		holders = append(holders, me.Holder)
	}
	assert.Contains(t, holders, f.actor.UserID)
	assert.Equal(t, "Acme Bank", m.Case.ClientName)
	assert.False(t, m.Masked)
}

func TestGenerateCaseBundle_Masked(t *testing.T) {
	f := newFixture(t)

	res, err := GenerateCaseBundle(context.Background(), f.store, BundleOptions{
		CaseID:    f.caseID,
		ExportDir: filepath.Join(f.dir, "exports"),
		Actor:     f.actor,
		Masked:    true,
	})
	require.NoError(t, err)

	rep, err := VerifyBundle(res.ZipPath)
	require.NoError(t, err)
	assert.True(t, rep.OK)

	m := readManifest(t, res.ZipPath)
	assert.True(t, m.Masked)
	assert.Equal(t, "A***", m.Case.ClientName)
	assert.Equal(t, "s***@acme.test", m.Case.ClientContact)
	for _, me := range m.Evidence {
		if me.Evidence.File != nil {
			assert.Equal(t, "usb.txt", me.Evidence.File.StoragePath)
		}
	}
}

func TestVerifyBundle_DetectsTamperedEvidence(t *testing.T) {
	f := newFixture(t)
	res, err := GenerateCaseBundle(context.Background(), f.store, BundleOptions{CaseID: f.caseID, ExportDir: f.dir, Actor: f.actor})
	require.NoError(t, err)

	tampered := filepath.Join(f.dir, "tampered.zip")
	rewriteZip(t, res.ZipPath, tampered, func(name string, data []byte) []byte {
		if strings.HasPrefix(name, "evidence/") {
			return []byte("usb sectorz")
		}
		return data
	})

	rep, err := VerifyBundle(tampered)
	require.NoError(t, err)
	assert.False(t, rep.OK)
	assert.Equal(t, 1, rep.Failed)
}

func TestVerifyBundle_DetectsRewrittenCustody(t *testing.T) {
	f := newFixture(t)
	res, err := GenerateCaseBundle(context.Background(), f.store, BundleOptions{CaseID: f.caseID, ExportDir: f.dir, Actor: f.actor})
	require.NoError(t, err)

	// 改写 manifest 中的保管记录并同步更新 hashes.sha256，文件层校验通过但链校验失败
	m := readManifest(t, res.ZipPath)
	m.Evidence[0].Custody[0].Location = "somewhere else"
	forged, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	sum := sha256.Sum256(forged)

	tampered := filepath.Join(f.dir, "forged.zip")
	rewriteZip(t, res.ZipPath, tampered, func(name string, data []byte) []byte {
		switch name {
		case manifestName:
			return forged
		case hashListName:
			var lines []string
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasSuffix(line, "  "+manifestName) {
					line = hex.EncodeToString(sum[:]) + "  " + manifestName
				}
				lines = append(lines, line)
			}
			return []byte(strings.Join(lines, "\n"))
		}
		return data
	})

	rep, err := VerifyBundle(tampered)
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)
	assert.False(t, rep.OK)
}

func TestGenerateCaseBundle_UnknownCase(t *testing.T) {
	f := newFixture(t)
	_, err := GenerateCaseBundle(context.Background(), f.store, BundleOptions{CaseID: "case_missing", ExportDir: f.dir})
	require.Error(t, err)
}

func readManifest(t *testing.T, zipPath string) Manifest {
	t.Helper()
	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()
	for _, zf := range r.File {
		if zf.Name != manifestName {
			continue
		}
		raw, err := readZipFileAll(zf)
		require.NoError(t, err)
		var m Manifest
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}
	t.Fatalf("manifest not found in %s", zipPath)
	return Manifest{}
}

func rewriteZip(t *testing.T, src, dst string, edit func(name string, data []byte) []byte) {
	t.Helper()
	r, err := zip.OpenReader(src)
	require.NoError(t, err)
	defer r.Close()

	out, err := os.Create(dst)
	require.NoError(t, err)
	defer out.Close()
	zw := zip.NewWriter(out)
	for _, zf := range r.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()

		w, err := zw.Create(zf.Name)
		require.NoError(t, err)
		_, err = w.Write(edit(zf.Name, data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}
