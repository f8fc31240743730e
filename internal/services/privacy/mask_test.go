package privacy

import (
	"testing"

	"custody-ledger/internal/domain/model"
)

func TestMaskStoragePath(t *testing.T) {
	got := MaskStoragePath("/srv/custody/uploads/case_1/evd_1/disk.img")
	if got != "disk.img" {
		t.Fatalf("got=%q want=%q", got, "disk.img")
	}
	if MaskStoragePath("  ") != "" {
		t.Fatalf("blank path should stay blank")
	}
}

func TestMaskContact(t *testing.T) {
	cases := map[string]string{
		"alice@lab.test":    "a***@lab.test",
		"+1 (555) 010-9999": "***9999",
		"Acme Bank":         "A***",
		"":                  "",
	}
	for in, want := range cases {
		if got := MaskContact(in); got != want {
			t.Fatalf("MaskContact(%q)=%q want=%q", in, got, want)
		}
	}
	if got := MaskPhone("123"); got != "<masked>" {
		t.Fatalf("short phone: got=%q", got)
	}
}

func TestMaskCase_KeepsIdentity(t *testing.T) {
	c := model.Case{CaseID: "case_1", CaseNo: "DEFM-2026-001", ClientName: "Acme Bank", ClientContact: "sec@acme.test"}
	m := MaskCase(c)
	if m.CaseNo != c.CaseNo || m.CaseID != c.CaseID {
		t.Fatalf("identity fields must not change: %+v", m)
	}
	if m.ClientName != "A***" || m.ClientContact != "s***@acme.test" {
		t.Fatalf("client not masked: %+v", m)
	}
}

func TestMaskEvidence_CopiesDescriptor(t *testing.T) {
	e := model.Evidence{File: &model.FileDescriptor{FileName: "a.log", StoragePath: "/data/uploads/x/a.log", SHA256: "abc"}}
	m := MaskEvidence(e)
	if m.File.StoragePath != "a.log" || m.File.SHA256 != "abc" {
		t.Fatalf("unexpected masked descriptor: %+v", m.File)
	}
	if e.File.StoragePath != "/data/uploads/x/a.log" {
		t.Fatalf("original evidence must not be modified")
	}
}
