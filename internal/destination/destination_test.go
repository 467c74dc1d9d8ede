package destination

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ralt/opm/internal/conf"
	"github.com/ralt/opm/internal/models"
)

func TestNewDefaults(t *testing.T) {
	d := New(conf.DestSpec{Name: "root", Root: "/"}, "")
	if d.InfoDir != "/var/lib/opm/info" {
		t.Errorf("InfoDir = %q", d.InfoDir)
	}
	if d.StatusPath != "/var/lib/opm/status" {
		t.Errorf("StatusPath = %q", d.StatusPath)
	}
}

func TestOfflineRootPrefixing(t *testing.T) {
	d := New(conf.DestSpec{Name: "root", Root: "/"}, "/stage")
	if d.RootDir != "/stage" {
		t.Errorf("RootDir = %q", d.RootDir)
	}
	if d.InfoDir != "/stage/var/lib/opm/info" {
		t.Errorf("InfoDir = %q", d.InfoDir)
	}

	// An already-prefixed path is not prefixed twice.
	if got := d.Prefix("/stage/etc/foo"); got != "/stage/etc/foo" {
		t.Errorf("Prefix = %q", got)
	}
	if got := d.Prefix("/etc/foo"); got != "/stage/etc/foo" {
		t.Errorf("Prefix = %q", got)
	}
}

func TestTargetAndInfoPaths(t *testing.T) {
	d := New(conf.DestSpec{Name: "root", Root: "/rootfs"}, "")
	if got := d.TargetPath("./usr/bin/foo"); got != "/rootfs/usr/bin/foo" {
		t.Errorf("TargetPath = %q", got)
	}
	if got := d.InfoPath("foo", "list"); got != filepath.Join(d.InfoDir, "foo.list") {
		t.Errorf("InfoPath = %q", got)
	}
}

func TestLockExclusion(t *testing.T) {
	spec := conf.DestSpec{Name: "test", Root: t.TempDir()}
	d := New(spec, "")

	lock, err := d.AcquireLock()
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	// A second acquisition fails with the dedicated lock error.
	_, err = d.AcquireLock()
	if err == nil {
		t.Fatal("second lock should fail")
	}
	var oerr *models.OpmError
	if !errors.As(err, &oerr) || oerr.Type != models.ErrLock {
		t.Errorf("error = %v, want ErrLock", err)
	}
	if oerr.Type.ExitCode() != 2 {
		t.Errorf("exit code = %d, want 2", oerr.Type.ExitCode())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Released lock can be re-acquired.
	again, err := d.AcquireLock()
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	again.Release()
}
