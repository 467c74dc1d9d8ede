package pkg

import (
	"strings"
	"testing"
)

const sampleControl = `Package: libfoo
Version: 2:1.4.2-3
Architecture: armv7
Maintainer: Jane Doe <jane@example.com>
Depends: libc (>= 1.0), libbar | libbaz (>= 0.5)
Pre-Depends: busybox
Provides: foo-runtime
Conflicts: oldfoo
Replaces: oldfoo
Section: libs
Priority: optional
Size: 10240
Installed-Size: 20480
MD5sum: 0123456789abcdef0123456789abcdef
SHA256sum: aa00
Filename: pool/libfoo_1.4.2-3_armv7.opk
Description: Foo runtime library
 Extended description line one.
 .
 Extended description line two.
X-Custom: kept
`

func TestParseStreamSingleBlock(t *testing.T) {
	pkgs, perrs, err := ParseStream(strings.NewReader(sampleControl), "test")
	if err != nil {
		t.Fatalf("ParseStream failed: %v", err)
	}
	if len(perrs) != 0 {
		t.Fatalf("unexpected record errors: %v", perrs)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected 1 package, got %d", len(pkgs))
	}

	p := pkgs[0]
	if p.Name != "libfoo" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Version.Epoch != 2 || p.Version.Upstream != "1.4.2" || p.Version.Revision != "3" {
		t.Errorf("Version = %+v", p.Version)
	}
	if p.Architecture != "armv7" {
		t.Errorf("Architecture = %q", p.Architecture)
	}
	if p.DependsStr != "libc (>= 1.0), libbar | libbaz (>= 0.5)" {
		t.Errorf("DependsStr = %q", p.DependsStr)
	}
	if p.PreDependsStr != "busybox" {
		t.Errorf("PreDependsStr = %q", p.PreDependsStr)
	}
	if p.Size != 10240 || p.InstalledSize != 20480 {
		t.Errorf("sizes = %d/%d", p.Size, p.InstalledSize)
	}
	if !strings.Contains(p.Description, "\n Extended description line one.") {
		t.Errorf("Description continuation lost leading whitespace: %q", p.Description)
	}
	if len(p.UserFields) != 1 || p.UserFields[0].Name != "X-Custom" {
		t.Errorf("UserFields = %+v", p.UserFields)
	}
}

func TestParseStreamMultipleBlocks(t *testing.T) {
	input := "Package: a\nVersion: 1.0\n\nPackage: b\nVersion: 2.0\n\n"
	pkgs, perrs, err := ParseStream(strings.NewReader(input), "test")
	if err != nil || len(perrs) != 0 {
		t.Fatalf("ParseStream failed: %v %v", err, perrs)
	}
	if len(pkgs) != 2 || pkgs[0].Name != "a" || pkgs[1].Name != "b" {
		t.Fatalf("got %d packages", len(pkgs))
	}
}

func TestParseStreamDuplicateField(t *testing.T) {
	input := "Package: a\nVersion: 1.0\nVersion: 2.0\n\nPackage: b\nVersion: 2.0\n"
	pkgs, perrs, err := ParseStream(strings.NewReader(input), "feed")
	if err != nil {
		t.Fatalf("ParseStream failed: %v", err)
	}
	// The malformed record is skipped, the rest of the load continues.
	if len(pkgs) != 1 || pkgs[0].Name != "b" {
		t.Fatalf("expected only b to survive, got %d packages", len(pkgs))
	}
	if len(perrs) != 1 {
		t.Fatalf("expected 1 record error, got %d", len(perrs))
	}
	if !strings.Contains(perrs[0].Error(), "feed:1") {
		t.Errorf("error should carry file and line: %v", perrs[0])
	}
}

func TestParseStatusField(t *testing.T) {
	input := "Package: a\nVersion: 1.0\nStatus: install hold,user installed\n"
	pkgs, perrs, err := ParseStream(strings.NewReader(input), "status")
	if err != nil || len(perrs) != 0 || len(pkgs) != 1 {
		t.Fatalf("parse failed: %v %v", err, perrs)
	}
	p := pkgs[0]
	if p.StateWant != WantInstall {
		t.Errorf("StateWant = %v", p.StateWant)
	}
	if p.StateFlag&FlagHold == 0 || p.StateFlag&FlagUser == 0 {
		t.Errorf("StateFlag = %v", p.StateFlag)
	}
	if p.StateStatus != StatusInstalled {
		t.Errorf("StateStatus = %v", p.StateStatus)
	}
}

func TestParseConffilesField(t *testing.T) {
	input := "Package: a\nVersion: 1.0\nConffiles:\n /etc/a.conf 0123abcd\n /etc/b.conf 4567ef01\n"
	pkgs, perrs, err := ParseStream(strings.NewReader(input), "status")
	if err != nil || len(perrs) != 0 || len(pkgs) != 1 {
		t.Fatalf("parse failed: %v %v", err, perrs)
	}
	cf := pkgs[0].Conffiles
	if len(cf) != 2 || cf[0].Path != "/etc/a.conf" || cf[1].MD5 != "4567ef01" {
		t.Fatalf("Conffiles = %+v", cf)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	input := "Package: a\nVersion: 1.2-1\nDepends: b (>= 1.0)\nStatus: install ok installed\nArchitecture: all\nConffiles:\n /etc/a.conf 0123abcd\nInstalled-Time: 1700000000\n"
	pkgs, perrs, err := ParseStream(strings.NewReader(input), "status")
	if err != nil || len(perrs) != 0 || len(pkgs) != 1 {
		t.Fatalf("parse failed: %v %v", err, perrs)
	}

	var buf strings.Builder
	pkgs[0].WriteStatus(&buf, false)

	reparsed, perrs, err := ParseStream(strings.NewReader(buf.String()), "emitted")
	if err != nil || len(perrs) != 0 || len(reparsed) != 1 {
		t.Fatalf("reparse failed: %v %v\n%s", err, perrs, buf.String())
	}

	q := reparsed[0]
	if q.Name != "a" || q.Version.String() != "1.2-1" || q.DependsStr != "b (>= 1.0)" {
		t.Errorf("round trip lost fields: %+v", q)
	}
	if q.StateStatus != StatusInstalled || len(q.Conffiles) != 1 || q.InstalledTime != 1700000000 {
		t.Errorf("round trip lost state: %+v", q)
	}
}
