// Package transaction executes solver plans: download, verify, unpack,
// configure, remove, with the status database persisted around every
// filesystem mutation so a crash at any point is recoverable.
package transaction

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/archive"
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

// FeedResolver maps a feed name to its base URL.
type FeedResolver interface {
	FeedURL(name string) string
}

// Engine drives packages through the install/remove state machine on one
// destination.
type Engine struct {
	opts    *conf.Options
	hash    *pkg.Hash
	dest    *destination.Dest
	stat    *status.File
	owners  *files.Index
	checker *verify.Checker
	dl      *download.Downloader
	feeds   FeedResolver

	cancelled atomic.Bool
}

// New assembles an engine. The caller holds the destination lock.
func New(opts *conf.Options, h *pkg.Hash, dest *destination.Dest, stat *status.File,
	owners *files.Index, checker *verify.Checker, dl *download.Downloader, feeds FeedResolver) *Engine {
	return &Engine{
		opts:    opts,
		hash:    h,
		dest:    dest,
		stat:    stat,
		owners:  owners,
		checker: checker,
		dl:      dl,
		feeds:   feeds,
	}
}

// Cancel requests a graceful stop: the current package is driven to a
// stable state, status is flushed, then Run returns.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// flushStatus persists the in-memory database. Failure here is fatal for
// the transaction.
func (e *Engine) flushStatus() error {
	if err := e.stat.Save(e.hash); err != nil {
		return &models.OpmError{Type: models.ErrIO, Err: err}
	}
	return nil
}

// Run executes a plan. Verification and script failures abort only the
// affected package's branch; I/O errors stop the transaction. The first
// branch error is returned after the remaining packages are processed.
func (e *Engine) Run(ctx context.Context, plan *solver.Plan) error {
	failed := make(map[*pkg.Pkg]bool)
	var firstErr error

	branchErr := func(p *pkg.Pkg, err error) {
		failed[p] = true
		logrus.Errorf("%s: %v", p.Name, err)
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, action := range plan.Actions {
		// Cancellation is polled between packages, never mid-mutation.
		if e.cancelled.Load() || ctx.Err() != nil {
			logrus.Warn("Interrupted, flushing status")
			if err := e.flushStatus(); err != nil {
				return err
			}
			break
		}

		p := action.Pkg
		switch action.Op {
		case solver.OpInstall:
			if failed[p] {
				continue
			}
			if err := e.Install(ctx, p); err != nil {
				if isFatal(err) {
					e.flushStatus()
					return err
				}
				branchErr(p, err)
			}
		case solver.OpConfigure:
			if failed[p] {
				continue
			}
			if err := e.Configure(ctx, p); err != nil {
				if isFatal(err) {
					e.flushStatus()
					return err
				}
				branchErr(p, err)
				if preDependOfPending(plan, p) {
					e.flushStatus()
					return err
				}
			}
		case solver.OpRemove, solver.OpPurge:
			if err := e.Remove(ctx, p, action.Op == solver.OpPurge); err != nil {
				if isFatal(err) {
					e.flushStatus()
					return err
				}
				branchErr(p, err)
			}
		case solver.OpNoop:
		}
	}

	e.hash.RollupStatus()
	if err := e.flushStatus(); err != nil {
		return err
	}
	return firstErr
}

func isFatal(err error) bool {
	if oerr, ok := err.(*models.OpmError); ok {
		return oerr.Type == models.ErrIO || oerr.Type == models.ErrInternal
	}
	return false
}

// preDependOfPending reports whether some planned package pre-depends on p.
func preDependOfPending(plan *solver.Plan, p *pkg.Pkg) bool {
	for _, action := range plan.Actions {
		if action.Op != solver.OpConfigure && action.Op != solver.OpInstall {
			continue
		}
		for _, dep := range action.Pkg.Depends {
			if dep.Kind != pkg.DepPreDepend {
				continue
			}
			for _, poss := range dep.Possibilities {
				if poss.Satisfies(p) {
					return true
				}
			}
		}
	}
	return false
}

// Install drives one package from not-installed to unpacked: download,
// verify, stage info files, extract, write the file list.
func (e *Engine) Install(ctx context.Context, p *pkg.Pkg) error {
	if err := e.fetch(ctx, p); err != nil {
		return err
	}

	// Verification gates extraction; a failure leaves the status database
	// untouched.
	if err := e.checker.Package(p.LocalFilename, p.Size, p.MD5Sum, p.SHA256Sum); err != nil {
		return &models.OpmError{Type: models.ErrVerify, Package: p.Name, Err: err}
	}

	control, err := archive.ControlFiles(p.LocalFilename)
	if err != nil {
		return &models.OpmError{Type: models.ErrParse, Package: p.Name, Err: err}
	}

	old := e.displacedVersion(p)

	// Intent is persisted before the first mutation; a crash from here on
	// is recovered from the half-installed state.
	p.Dest = e.dest.Name
	p.StateWant = pkg.WantInstall
	p.StateStatus = pkg.StatusHalfInstalled
	if err := e.flushStatus(); err != nil {
		return err
	}

	if err := e.stageInfoFiles(p, control); err != nil {
		return &models.OpmError{Type: models.ErrIO, Package: p.Name, Err: err}
	}

	if err := e.runScript(ctx, p, "preinst", "install"); err != nil {
		p.StateStatus = pkg.StatusNotInstalled
		e.flushStatus()
		return &models.OpmError{Type: models.ErrScript, Package: p.Name, Err: err}
	}

	entries, err := e.unpack(p, old)
	if err != nil {
		// A conflict found before anything was touched does not leave the
		// package half-installed.
		if oerr, ok := err.(*models.OpmError); ok && oerr.Type == models.ErrResolve {
			p.StateWant = pkg.WantUnknown
			p.StateStatus = pkg.StatusNotInstalled
			e.flushStatus()
		}
		return err
	}

	// The file list is written after unpack, from the ownership index
	// restricted to this package.
	if err := files.WriteList(e.dest.InfoPath(p.Name, "list"), entries); err != nil {
		return &models.OpmError{Type: models.ErrIO, Package: p.Name, Err: err}
	}

	if old != nil {
		e.retireDisplaced(old, p)
	}

	p.StateStatus = pkg.StatusUnpacked
	if err := e.flushStatus(); err != nil {
		return err
	}

	logrus.Infof("Unpacked %s", p.ID())
	return nil
}

// fetch makes sure the package archive is available locally.
func (e *Engine) fetch(ctx context.Context, p *pkg.Pkg) error {
	if p.LocalFilename != "" {
		if _, err := os.Stat(p.LocalFilename); err == nil {
			return nil
		}
	}
	if p.Filename == "" {
		return &models.OpmError{
			Type:    models.ErrResolve,
			Package: p.Name,
			Err:     fmt.Errorf("no filename known for %s", p.ID()),
		}
	}

	src := p.Filename
	if base := e.feeds.FeedURL(p.Src); base != "" {
		src = download.JoinURL(base, p.Filename)
	}

	local := e.opts.CachePath(p.Filename)
	if err := e.dl.Fetch(ctx, src, local); err != nil {
		return &models.OpmError{Type: models.ErrIO, Package: p.Name, Err: err}
	}
	p.LocalFilename = local

	// Fetch the detached signature alongside when checking is on.
	if e.checker.CheckSignature {
		sigSrc := src + ".sig"
		if err := e.dl.Fetch(ctx, sigSrc, local+".sig"); err != nil {
			logrus.Warnf("No signature fetched for %s: %v", p.Name, err)
		}
	}
	return nil
}

// stageInfoFiles writes <pkg>.control, maintainer scripts, conffiles and
// md5sums into the info directory.
func (e *Engine) stageInfoFiles(p *pkg.Pkg, control map[string][]byte) error {
	if err := utils.EnsureDir(e.dest.InfoDir); err != nil {
		return err
	}

	if err := utils.WriteFile(e.dest.InfoPath(p.Name, "control"), control["control"], 0644); err != nil {
		return err
	}
	for _, name := range scriptNames {
		data, ok := control[name]
		if !ok {
			continue
		}
		if err := utils.WriteFile(e.dest.InfoPath(p.Name, name), data, 0755); err != nil {
			return err
		}
	}
	if data, ok := control["conffiles"]; ok {
		if err := utils.WriteFile(e.dest.InfoPath(p.Name, "conffiles"), data, 0644); err != nil {
			return err
		}
		e.loadConffiles(p, data)
	}
	if data, ok := control["md5sums"]; ok {
		if err := utils.WriteFile(e.dest.InfoPath(p.Name, "md5sums"), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// loadConffiles records the conffile paths declared by the package. The
// checksums are filled in after extraction.
func (e *Engine) loadConffiles(p *pkg.Pkg, data []byte) {
	p.Conffiles = nil
	for _, line := range splitLines(data) {
		p.Conffiles = append(p.Conffiles, pkg.Conffile{Path: line})
	}
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if line := string(data[start:i]); line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}

// conffile reports whether path is declared as a conffile of p.
func conffile(p *pkg.Pkg, path string) *pkg.Conffile {
	for i := range p.Conffiles {
		if p.Conffiles[i].Path == path {
			return &p.Conffiles[i]
		}
	}
	return nil
}

// displacedVersion returns the installed version this install displaces.
func (e *Engine) displacedVersion(p *pkg.Pkg) *pkg.Pkg {
	old := e.hash.Installed(p.Name)
	if old != nil && old != p {
		return old
	}
	return nil
}

// unpack extracts the data archive onto the destination root. The archive
// is walked twice: a conflict check over every path before anything is
// touched, then the extraction itself.
func (e *Engine) unpack(p *pkg.Pkg, old *pkg.Pkg) ([]files.Entry, error) {
	if err := e.hash.Resolve(p); err != nil {
		return nil, &models.OpmError{Type: models.ErrResolve, Package: p.Name, Err: err}
	}

	// First pass: ownership conflicts.
	err := archive.Data(p.LocalFilename, func(hdr *tar.Header, _ io.Reader) error {
		if hdr.Typeflag == tar.TypeDir {
			return nil
		}
		target := e.dest.TargetPath(hdr.Name)
		owner := e.owners.Owner(target)
		if owner == nil || owner == p || owner == old || owner.Name == p.Name {
			return nil
		}
		if pkg.Replaces(p, owner) {
			return nil
		}
		// A conffile collision is tolerated; the file stays with the
		// original owner's declared configuration.
		if conffile(owner, e.unprefixed(target)) != nil {
			return nil
		}
		return &models.OpmError{
			Type:    models.ErrResolve,
			Package: p.Name,
			Err:     fmt.Errorf("file %s is owned by %s", target, owner.ID()),
		}
	})
	if err != nil {
		if _, ok := err.(*models.OpmError); ok {
			return nil, err
		}
		return nil, &models.OpmError{Type: models.ErrIO, Package: p.Name, Err: err}
	}

	oldEntries := e.oldList(old)

	// Second pass: extraction.
	var entries []files.Entry
	seen := make(map[string]bool)
	adopted := make(map[*pkg.Pkg][]string)
	err = archive.Data(p.LocalFilename, func(hdr *tar.Header, r io.Reader) error {
		target := e.dest.TargetPath(hdr.Name)
		mode := os.FileMode(hdr.Mode)

		if hdr.Typeflag != tar.TypeDir {
			if owner := e.owners.Owner(target); owner != nil && owner != p && owner != old {
				// A tolerated conffile collision leaves the file with its owner.
				if !pkg.Replaces(p, owner) && conffile(owner, e.unprefixed(target)) != nil {
					return nil
				}
				adopted[owner] = append(adopted[owner], target)
			}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode.Perm()); err != nil {
				return err
			}
			seen[target] = true
			e.owners.SetOwner(target, p)
			entries = append(entries, files.Entry{Path: target, Mode: mode})
			return nil
		case tar.TypeReg:
			if cf := conffile(p, e.unprefixed(target)); cf != nil {
				keep, err := e.preserveConffile(p, old, target, cf)
				if err != nil {
					return err
				}
				if keep {
					seen[target] = true
					e.owners.SetOwner(target, p)
					entries = append(entries, files.Entry{Path: target, Mode: mode})
					return nil
				}
			}
			if err := extractFile(target, mode, r); err != nil {
				return err
			}
			if cf := conffile(p, e.unprefixed(target)); cf != nil {
				sums, err := utils.CalculateChecksums(target)
				if err == nil {
					cf.MD5 = sums.MD5
				}
			}
			seen[target] = true
			e.owners.SetOwner(target, p)
			entries = append(entries, files.Entry{Path: target, Mode: mode})
			return nil
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
			seen[target] = true
			e.owners.SetOwner(target, p)
			entries = append(entries, files.Entry{Path: target, Mode: mode | os.ModeSymlink, LinkTarget: hdr.Linkname})
			return nil
		default:
			logrus.Warnf("Skipping unsupported archive entry %s", hdr.Name)
			return nil
		}
	})
	if err != nil {
		return nil, &models.OpmError{Type: models.ErrIO, Package: p.Name, Err: err}
	}

	// Files taken over from a replaced package leave its list so the
	// ownership index and the lists on disk stay in agreement.
	for owner, paths := range adopted {
		e.dropFromList(owner, paths)
	}

	// Files of the displaced version absent from the new one go away,
	// conffiles excepted.
	for _, oldEntry := range oldEntries {
		target := e.dest.Prefix(oldEntry.Path)
		if seen[target] {
			continue
		}
		if conffile(old, e.unprefixed(target)) != nil {
			continue
		}
		e.owners.Release(target, old)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			logrus.Debugf("Leaving obsolete %s: %v", target, err)
		}
	}

	return entries, nil
}

// unprefixed maps a target path back to its archive form for conffile
// lookup, which records paths relative to the root.
func (e *Engine) unprefixed(target string) string {
	rel, err := filepath.Rel(e.dest.RootDir, target)
	if err != nil {
		return target
	}
	return "/" + rel
}

func extractFile(target string, mode os.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// preserveConffile decides whether the on-disk conffile survives the
// upgrade: a user-modified conffile (checksum differs from the recorded
// one) is kept.
func (e *Engine) preserveConffile(p, old *pkg.Pkg, target string, cf *pkg.Conffile) (bool, error) {
	if old == nil {
		return false, nil
	}
	oldCf := conffile(old, e.unprefixed(target))
	if oldCf == nil || oldCf.MD5 == "" {
		return false, nil
	}
	sums, err := utils.CalculateChecksums(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if sums.MD5 != oldCf.MD5 {
		logrus.Infof("Preserving user-modified %s", target)
		cf.MD5 = sums.MD5
		return true, nil
	}
	return false, nil
}

// dropFromList rewrites a package's list file without the given paths.
func (e *Engine) dropFromList(owner *pkg.Pkg, paths []string) {
	listPath := e.dest.InfoPath(owner.Name, "list")
	entries, err := files.ReadList(listPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Warnf("Cannot rewrite list of %s: %v", owner.Name, err)
		}
		return
	}

	gone := make(map[string]bool, len(paths))
	for _, path := range paths {
		gone[path] = true
	}
	var kept []files.Entry
	for _, entry := range entries {
		if !gone[e.dest.Prefix(entry.Path)] {
			kept = append(kept, entry)
		}
	}
	if err := files.WriteList(listPath, kept); err != nil {
		logrus.Warnf("Cannot rewrite list of %s: %v", owner.Name, err)
	}
}

// oldList reads the displaced version's file list, if any.
func (e *Engine) oldList(old *pkg.Pkg) []files.Entry {
	if old == nil {
		return nil
	}
	entries, err := files.ReadList(e.dest.InfoPath(old.Name, "list"))
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Warnf("Cannot read old file list of %s: %v", old.Name, err)
		}
		return nil
	}
	return entries
}

// retireDisplaced drops the replaced version from the status database.
func (e *Engine) retireDisplaced(old, by *pkg.Pkg) {
	logrus.Debugf("Version %s of %s displaced by %s", old.Version, old.Name, by.Version)
	old.StateWant = pkg.WantUnknown
	old.StateStatus = pkg.StatusNotInstalled
	old.StateFlag &^= pkg.FlagHold
}

// Configure drives an unpacked package to installed through half-configured.
// A postinst failure leaves the package in post-inst-failed, sticky until
// the user retries or removes it.
func (e *Engine) Configure(ctx context.Context, p *pkg.Pkg) error {
	switch p.StateStatus {
	case pkg.StatusUnpacked, pkg.StatusHalfConfigured, pkg.StatusPostInstFailed:
	case pkg.StatusInstalled:
		return nil
	default:
		return nil
	}

	p.StateStatus = pkg.StatusHalfConfigured
	if err := e.flushStatus(); err != nil {
		return err
	}

	if err := e.runScript(ctx, p, "postinst", "configure"); err != nil {
		p.StateStatus = pkg.StatusPostInstFailed
		e.flushStatus()
		return &models.OpmError{Type: models.ErrScript, Package: p.Name, Err: err}
	}

	p.StateStatus = pkg.StatusInstalled
	p.InstalledTime = time.Now().Unix()
	if err := e.flushStatus(); err != nil {
		return err
	}

	logrus.Infof("Configured %s", p.ID())
	return nil
}

// Remove takes an installed package to config-files when it has conffiles
// and purge is off; otherwise all the way back to not-installed.
func (e *Engine) Remove(ctx context.Context, p *pkg.Pkg, purge bool) error {
	if !p.Installed() && p.StateStatus != pkg.StatusConfigFiles {
		return nil
	}

	p.StateWant = pkg.WantDeinstall
	if purge {
		p.StateWant = pkg.WantPurge
	}
	if err := e.flushStatus(); err != nil {
		return err
	}

	if p.Installed() {
		if err := e.runScript(ctx, p, "prerm", "remove"); err != nil {
			p.StateStatus = pkg.StatusRemovalFailed
			e.flushStatus()
			return &models.OpmError{Type: models.ErrScript, Package: p.Name, Err: err}
		}

		if err := e.removeFiles(p, purge); err != nil {
			return err
		}
	}

	if purge {
		e.purgeConffiles(p)
		os.Remove(e.dest.InfoPath(p.Name, "conffiles"))
	}

	// Maintainer scripts stay for config-files packages so a purge can
	// still run postrm.
	arg := "remove"
	if purge {
		arg = "purge"
	}
	if err := e.runScript(ctx, p, "postrm", arg); err != nil {
		logrus.Warnf("postrm of %s failed: %v", p.Name, err)
	}

	if !purge && len(p.Conffiles) > 0 {
		p.StateStatus = pkg.StatusConfigFiles
	} else {
		e.removeInfoFiles(p)
		p.StateWant = pkg.WantUnknown
		p.StateStatus = pkg.StatusNotInstalled
	}
	if err := e.flushStatus(); err != nil {
		return err
	}

	logrus.Infof("Removed %s", p.ID())
	return nil
}

// removeFiles deletes the package's files, conffiles excepted unless
// purging. Paths are removed deepest-first so directories empty out before
// their own removal is attempted.
func (e *Engine) removeFiles(p *pkg.Pkg, purge bool) error {
	entries, err := files.ReadList(e.dest.InfoPath(p.Name, "list"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &models.OpmError{Type: models.ErrIO, Package: p.Name, Err: err}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path > entries[j].Path
	})

	for _, entry := range entries {
		target := e.dest.Prefix(entry.Path)
		if !purge && conffile(p, e.unprefixed(target)) != nil {
			continue
		}
		e.owners.Release(target, p)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			logrus.Debugf("Leaving %s: %v", target, err)
		}
	}

	os.Remove(e.dest.InfoPath(p.Name, "list"))
	return nil
}

func (e *Engine) purgeConffiles(p *pkg.Pkg) {
	for _, cf := range p.Conffiles {
		target := e.dest.TargetPath(cf.Path)
		e.owners.Release(target, p)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			logrus.Debugf("Leaving conffile %s: %v", target, err)
		}
	}
	p.Conffiles = nil
}

func (e *Engine) removeInfoFiles(p *pkg.Pkg) {
	for _, kind := range append([]string{"control", "list", "conffiles", "md5sums"}, scriptNames...) {
		os.Remove(e.dest.InfoPath(p.Name, kind))
	}
}

// Recover resumes interrupted work after a crash: half-installed packages
// resume from unpack, half-configured packages re-run their postinst,
// post-inst-failed stays sticky until the user acts.
func (e *Engine) Recover(ctx context.Context) error {
	for _, p := range e.hash.InstalledAll() {
		if p.Dest != e.dest.Name {
			continue
		}
		switch p.StateStatus {
		case pkg.StatusHalfInstalled:
			logrus.Warnf("Resuming interrupted install of %s", p.ID())
			if err := e.Install(ctx, p); err != nil {
				return err
			}
			if err := e.Configure(ctx, p); err != nil {
				return err
			}
		case pkg.StatusHalfConfigured:
			logrus.Warnf("Re-running configuration of %s", p.ID())
			if err := e.Configure(ctx, p); err != nil {
				return err
			}
		case pkg.StatusPostInstFailed:
			logrus.Warnf("Package %s failed its postinst; retry with configure or remove it", p.Name)
		}
	}
	return e.flushStatus()
}
