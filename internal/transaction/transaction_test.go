package transaction

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralt/opm/internal/conf"
	"github.com/ralt/opm/internal/destination"
	"github.com/ralt/opm/internal/download"
	"github.com/ralt/opm/internal/files"
	"github.com/ralt/opm/internal/models"
	"github.com/ralt/opm/internal/pkg"
	"github.com/ralt/opm/internal/solver"
	"github.com/ralt/opm/internal/status"
	"github.com/ralt/opm/internal/utils"
	"github.com/ralt/opm/internal/verify"
)

type noFeeds struct{}

func (noFeeds) FeedURL(string) string { return "" }

func tarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range entries {
		mode := int64(0644)
		if strings.HasSuffix(name, "inst") || strings.HasSuffix(name, "rm") || strings.Contains(name, "/bin/") {
			mode = 0755
		}
		hdr := &tar.Header{Name: name, Mode: mode, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gw.Close()
	return buf.Bytes()
}

func arMember(name string, data []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%-16s%-12d%-6d%-6d%-8o%-10d`\n", name, 0, 0, 0, 0100644, len(data))
	b.Write(data)
	if len(data)%2 == 1 {
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// buildPackage writes an .opk archive and returns its package record, ready
// for the engine.
func buildPackage(t *testing.T, dir, control string, controlExtra, data map[string]string) *pkg.Pkg {
	t.Helper()

	controlFiles := map[string]string{"./control": control}
	for k, v := range controlExtra {
		controlFiles[k] = v
	}

	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	buf.Write(arMember("debian-binary", []byte("2.0\n")))
	buf.Write(arMember("control.tar.gz", tarGz(t, controlFiles)))
	buf.Write(arMember("data.tar.gz", tarGz(t, data)))

	p, err := pkg.ParseControl([]byte(control), "test")
	if err != nil {
		t.Fatalf("parsing control: %v", err)
	}

	path := filepath.Join(dir, p.Name+".opk")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	sums, err := utils.CalculateChecksums(path)
	if err != nil {
		t.Fatal(err)
	}
	p.LocalFilename = path
	p.Size = sums.Size
	p.SHA256Sum = sums.SHA256
	p.ArchPriority = 1
	return p
}

type world struct {
	opts   *conf.Options
	hash   *pkg.Hash
	dest   *destination.Dest
	stat   *status.File
	owners *files.Index
	engine *Engine
}

func newWorld(t *testing.T) *world {
	t.Helper()
	root := t.TempDir()
	opts := conf.Default()
	opts.CacheDir = filepath.Join(root, "cache")
	opts.Destinations = []conf.DestSpec{{Name: "root", Root: root}}
	opts.ArchPriority = map[string]int{"all": 1}

	dest := destination.New(opts.Destinations[0], "")
	h := pkg.NewHash()
	stat := status.NewFile(dest, false)
	owners := files.NewIndex()

	checker, err := verify.NewChecker(false, false, "")
	if err != nil {
		t.Fatal(err)
	}

	return &world{
		opts:   opts,
		hash:   h,
		dest:   dest,
		stat:   stat,
		owners: owners,
		engine: New(opts, h, dest, stat, owners, checker, download.New(), noFeeds{}),
	}
}

const fooControl = `Package: foo
Version: 1.0-1
Architecture: all
Description: test package
`

var fooData = map[string]string{
	"./usr/bin/foo":          "#!/bin/sh\necho foo\n",
	"./usr/lib/foo/data.txt": "payload\n",
}

func (w *world) insert(t *testing.T, p *pkg.Pkg) *pkg.Pkg {
	t.Helper()
	inserted, err := w.hash.Insert(p)
	if err != nil {
		t.Fatal(err)
	}
	return inserted
}

func TestInstallConfigureLifecycle(t *testing.T) {
	w := newWorld(t)
	marker := filepath.Join(w.dest.RootDir, "postinst-ran")
	p := w.insert(t, buildPackage(t, t.TempDir(), fooControl, map[string]string{
		"./postinst": "#!/bin/sh\ntouch " + marker + "\nexit 0\n",
	}, fooData))

	ctx := context.Background()
	if err := w.engine.Install(ctx, p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if p.StateStatus != pkg.StatusUnpacked {
		t.Fatalf("status = %v", p.StateStatus)
	}

	// Files landed under the destination root and ownership is recorded.
	bin := filepath.Join(w.dest.RootDir, "usr/bin/foo")
	if _, err := os.Stat(bin); err != nil {
		t.Fatalf("unpacked file missing: %v", err)
	}
	if w.owners.Owner(bin) != p {
		t.Error("ownership index should map the extracted path to foo")
	}

	// Ownership soundness: every indexed path appears in the on-disk list.
	entries, err := files.ReadList(w.dest.InfoPath("foo", "list"))
	if err != nil {
		t.Fatalf("reading list: %v", err)
	}
	onDisk := make(map[string]bool)
	for _, e := range entries {
		onDisk[e.Path] = true
	}
	for _, path := range w.owners.OwnedBy(p) {
		if !onDisk[path] {
			t.Errorf("indexed path %s missing from list file", path)
		}
	}

	if err := w.engine.Configure(ctx, p); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if p.StateStatus != pkg.StatusInstalled {
		t.Fatalf("status = %v", p.StateStatus)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("postinst should have run")
	}
	if p.InstalledTime == 0 {
		t.Error("installed time should be recorded")
	}

	// The persisted status reflects the final state.
	data, err := os.ReadFile(w.dest.StatusPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Status: install ok installed") {
		t.Errorf("status file:\n%s", data)
	}
}

// Scenario: the local file has a wrong checksum. Verification deletes the
// file and aborts; the status database is untouched.
func TestInstallVerificationFailure(t *testing.T) {
	w := newWorld(t)
	p := w.insert(t, buildPackage(t, t.TempDir(), fooControl, nil, fooData))
	p.SHA256Sum = "0000000000000000000000000000000000000000000000000000000000000000"

	err := w.engine.Install(context.Background(), p)
	if err == nil {
		t.Fatal("verification should fail")
	}
	var oerr *models.OpmError
	if !errors.As(err, &oerr) || oerr.Type != models.ErrVerify {
		t.Errorf("error = %v, want ErrVerify", err)
	}
	if oerr.Type.ExitCode() != 4 {
		t.Errorf("exit code = %d, want 4", oerr.Type.ExitCode())
	}

	if _, err := os.Stat(p.LocalFilename); !os.IsNotExist(err) {
		t.Error("failing archive should be deleted")
	}
	if _, err := os.Stat(w.dest.StatusPath); !os.IsNotExist(err) {
		t.Error("status database must be untouched")
	}
	if p.StateStatus != pkg.StatusNotInstalled {
		t.Errorf("status = %v", p.StateStatus)
	}
}

func TestInstallFailingPostinst(t *testing.T) {
	w := newWorld(t)
	p := w.insert(t, buildPackage(t, t.TempDir(), fooControl, map[string]string{
		"./postinst": "#!/bin/sh\nexit 1\n",
	}, fooData))

	ctx := context.Background()
	if err := w.engine.Install(ctx, p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	err := w.engine.Configure(ctx, p)
	if err == nil {
		t.Fatal("failing postinst should error")
	}
	var oerr *models.OpmError
	if !errors.As(err, &oerr) || oerr.Type != models.ErrScript {
		t.Errorf("error = %v", err)
	}
	if p.StateStatus != pkg.StatusPostInstFailed {
		t.Errorf("status = %v, want post-inst-failed", p.StateStatus)
	}
}

// Scenario: transaction killed mid-postinst. On restart the package is
// half-configured; re-running configure drives it to installed with no
// file-list duplication.
func TestRecoverHalfConfigured(t *testing.T) {
	w := newWorld(t)
	p := w.insert(t, buildPackage(t, t.TempDir(), fooControl, nil, fooData))

	ctx := context.Background()
	if err := w.engine.Install(ctx, p); err != nil {
		t.Fatal(err)
	}

	// Simulate the crash window: status persisted as half-configured.
	p.StateStatus = pkg.StatusHalfConfigured
	if err := w.stat.Save(w.hash); err != nil {
		t.Fatal(err)
	}

	listBefore, err := os.ReadFile(w.dest.InfoPath("foo", "list"))
	if err != nil {
		t.Fatal(err)
	}

	if err := w.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if p.StateStatus != pkg.StatusInstalled {
		t.Errorf("status = %v, want installed", p.StateStatus)
	}

	listAfter, err := os.ReadFile(w.dest.InfoPath("foo", "list"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(listBefore, listAfter) {
		t.Error("recovery must not duplicate file-list entries")
	}
}

func TestRemoveKeepsConffiles(t *testing.T) {
	w := newWorld(t)
	control := `Package: bar
Version: 1.0-1
Architecture: all
`
	p := w.insert(t, buildPackage(t, t.TempDir(), control, map[string]string{
		"./conffiles": "/etc/bar.conf\n",
	}, map[string]string{
		"./usr/bin/bar":  "#!/bin/sh\n",
		"./etc/bar.conf": "setting = 1\n",
	}))

	ctx := context.Background()
	if err := w.engine.Install(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := w.engine.Configure(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := w.engine.Remove(ctx, p, false); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if p.StateStatus != pkg.StatusConfigFiles {
		t.Fatalf("status = %v, want config-files", p.StateStatus)
	}
	if _, err := os.Stat(filepath.Join(w.dest.RootDir, "usr/bin/bar")); !os.IsNotExist(err) {
		t.Error("regular file should be removed")
	}
	if _, err := os.Stat(filepath.Join(w.dest.RootDir, "etc/bar.conf")); err != nil {
		t.Error("conffile should survive a plain remove")
	}

	if err := w.engine.Remove(ctx, p, true); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if p.StateStatus != pkg.StatusNotInstalled {
		t.Fatalf("status = %v, want not-installed", p.StateStatus)
	}
	if _, err := os.Stat(filepath.Join(w.dest.RootDir, "etc/bar.conf")); !os.IsNotExist(err) {
		t.Error("purge should remove the conffile")
	}

	// Status database no longer carries the package.
	data, err := os.ReadFile(w.dest.StatusPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "Package: bar") {
		t.Errorf("purged package still in status:\n%s", data)
	}
}

func TestUpgradeRemovesObsoleteFiles(t *testing.T) {
	w := newWorld(t)
	dir := t.TempDir()

	v1 := w.insert(t, buildPackage(t, dir, fooControl, nil, map[string]string{
		"./usr/bin/foo":     "v1\n",
		"./usr/lib/foo/old": "obsolete\n",
	}))

	ctx := context.Background()
	if err := w.engine.Install(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if err := w.engine.Configure(ctx, v1); err != nil {
		t.Fatal(err)
	}

	control2 := strings.Replace(fooControl, "1.0-1", "1.1-1", 1)
	v2 := w.insert(t, buildPackage(t, t.TempDir(), control2, nil, map[string]string{
		"./usr/bin/foo":     "v2\n",
		"./usr/lib/foo/new": "fresh\n",
	}))

	if err := w.engine.Install(ctx, v2); err != nil {
		t.Fatalf("upgrade install failed: %v", err)
	}

	obsolete := filepath.Join(w.dest.RootDir, "usr/lib/foo/old")
	if _, err := os.Stat(obsolete); !os.IsNotExist(err) {
		t.Error("files absent from the new version should be removed")
	}
	content, err := os.ReadFile(filepath.Join(w.dest.RootDir, "usr/bin/foo"))
	if err != nil || string(content) != "v2\n" {
		t.Errorf("shared file should carry the new content: %q, %v", content, err)
	}
	if v1.StateStatus != pkg.StatusNotInstalled {
		t.Errorf("displaced version status = %v", v1.StateStatus)
	}
}

func TestFileConflictBetweenPackages(t *testing.T) {
	w := newWorld(t)

	a := w.insert(t, buildPackage(t, t.TempDir(), fooControl, nil, map[string]string{
		"./usr/bin/shared": "foo's\n",
	}))

	ctx := context.Background()
	if err := w.engine.Install(ctx, a); err != nil {
		t.Fatal(err)
	}

	control := `Package: grabber
Version: 1.0-1
Architecture: all
`
	b := w.insert(t, buildPackage(t, t.TempDir(), control, nil, map[string]string{
		"./usr/bin/shared": "grabber's\n",
	}))

	if err := w.engine.Install(ctx, b); err == nil {
		t.Fatal("file conflict should fail")
	}

	// With Replaces the second package adopts the file.
	control = `Package: taker
Version: 1.0-1
Architecture: all
Replaces: foo
`
	c := w.insert(t, buildPackage(t, t.TempDir(), control, nil, map[string]string{
		"./usr/bin/shared": "taker's\n",
	}))
	if err := w.engine.Install(ctx, c); err != nil {
		t.Fatalf("replacing install failed: %v", err)
	}
	if w.owners.Owner(filepath.Join(w.dest.RootDir, "usr/bin/shared")) != c {
		t.Error("replacing package should adopt the file")
	}
}

func TestRunExecutesPlanAndContinuesPastBranchFailure(t *testing.T) {
	w := newWorld(t)

	bad := w.insert(t, buildPackage(t, t.TempDir(), `Package: bad
Version: 1.0-1
Architecture: all
`, nil, map[string]string{"./usr/bin/bad": "x\n"}))
	bad.SHA256Sum = "1111111111111111111111111111111111111111111111111111111111111111"

	good := w.insert(t, buildPackage(t, t.TempDir(), fooControl, nil, fooData))

	plan := &solver.Plan{Actions: []solver.Action{
		{Pkg: bad, Op: solver.OpInstall},
		{Pkg: good, Op: solver.OpInstall},
		{Pkg: bad, Op: solver.OpConfigure},
		{Pkg: good, Op: solver.OpConfigure},
	}}

	err := w.engine.Run(context.Background(), plan)
	if err == nil {
		t.Fatal("the failing branch should surface")
	}
	var oerr *models.OpmError
	if !errors.As(err, &oerr) || oerr.Type != models.ErrVerify {
		t.Errorf("error = %v", err)
	}

	// The healthy branch completed regardless.
	if good.StateStatus != pkg.StatusInstalled {
		t.Errorf("good package status = %v", good.StateStatus)
	}
	if bad.StateStatus != pkg.StatusNotInstalled {
		t.Errorf("bad package status = %v", bad.StateStatus)
	}
}

func TestCancelStopsBetweenPackages(t *testing.T) {
	w := newWorld(t)
	p := w.insert(t, buildPackage(t, t.TempDir(), fooControl, nil, fooData))

	w.engine.Cancel()
	plan := &solver.Plan{Actions: []solver.Action{
		{Pkg: p, Op: solver.OpInstall},
		{Pkg: p, Op: solver.OpConfigure},
	}}
	if err := w.engine.Run(context.Background(), plan); err != nil {
		t.Fatalf("cancelled run failed: %v", err)
	}
	if p.StateStatus != pkg.StatusNotInstalled {
		t.Errorf("no package should have been touched, status = %v", p.StateStatus)
	}
}
