// Package destination models named install roots: where package files land,
// where the per-package info files live, and the per-destination lock.
package destination

import (
	"path/filepath"
	"strings"

	"github.com/ralt/opm/internal/conf"
)

// Dest is one install destination. A package is bound to exactly one.
type Dest struct {
	Name       string
	RootDir    string
	InfoDir    string
	StatusPath string

	offlineRoot string
}

// New builds a destination from its spec. InfoDir and StatusPath default to
// var/lib/opm under the root. Under an offline root every path is staged
// below the prefix.
func New(spec conf.DestSpec, offlineRoot string) *Dest {
	root := spec.Root
	if root == "" {
		root = "/"
	}

	infoDir := spec.InfoDir
	if infoDir == "" {
		infoDir = filepath.Join(root, "var/lib/opm/info")
	}
	statusPath := spec.StatusFile
	if statusPath == "" {
		statusPath = filepath.Join(root, "var/lib/opm/status")
	}

	d := &Dest{
		Name:        spec.Name,
		RootDir:     root,
		InfoDir:     infoDir,
		StatusPath:  statusPath,
		offlineRoot: offlineRoot,
	}
	d.RootDir = d.Prefix(d.RootDir)
	d.InfoDir = d.Prefix(d.InfoDir)
	d.StatusPath = d.Prefix(d.StatusPath)
	return d
}

// Prefix stages a path under the offline root, unless it already is.
func (d *Dest) Prefix(path string) string {
	if d.offlineRoot == "" {
		return path
	}
	if strings.HasPrefix(path, d.offlineRoot+string(filepath.Separator)) || path == d.offlineRoot {
		return path
	}
	return filepath.Join(d.offlineRoot, path)
}

// TargetPath maps an archive entry path onto the destination root.
func (d *Dest) TargetPath(entry string) string {
	entry = strings.TrimPrefix(entry, ".")
	return filepath.Join(d.RootDir, entry)
}

// InfoPath returns the info-directory file for a package, e.g.
// InfoPath("foo", "control") or InfoPath("foo", "list").
func (d *Dest) InfoPath(pkgName, kind string) string {
	return filepath.Join(d.InfoDir, pkgName+"."+kind)
}

// LockPath is the advisory lock file guarding this destination.
func (d *Dest) LockPath() string {
	return filepath.Join(d.InfoDir, "lock")
}
