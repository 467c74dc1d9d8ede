// Package status persists the installed-package database. Every write goes
// through an in-memory buffer serialized to a temporary file, fsynced, and
// renamed over the canonical status file, so a crash at any point leaves a
// parseable database.
package status

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/conf"
	"github.com/ralt/opm/internal/destination"
	"github.com/ralt/opm/internal/pkg"
	"github.com/ralt/opm/internal/utils"
)

// File is the status database of one destination.
type File struct {
	dest    *destination.Dest
	verbose bool
}

// NewFile creates the status accessor for a destination.
func NewFile(dest *destination.Dest, verbose bool) *File {
	return &File{dest: dest, verbose: verbose}
}

// Load parses the persisted status database into the package index. A
// missing status file is an empty database. Malformed records are skipped
// with a warning. Returns the loaded packages.
func (f *File) Load(h *pkg.Hash, opts *conf.Options) ([]*pkg.Pkg, error) {
	data, err := os.ReadFile(f.dest.StatusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading status file: %w", err)
	}

	pkgs, perrs, err := pkg.ParseStream(bytes.NewReader(data), f.dest.StatusPath)
	if err != nil {
		return nil, err
	}
	for _, perr := range perrs {
		logrus.Warnf("Skipping malformed status record: %v", perr)
	}

	var loaded []*pkg.Pkg
	for _, p := range pkgs {
		p.Dest = f.dest.Name
		p.ArchPriority = opts.ArchPriorityFor(p.Architecture)
		inserted, err := h.Insert(p)
		if err != nil {
			logrus.Warnf("Skipping status record %s: %v", p.ID(), err)
			continue
		}
		loaded = append(loaded, inserted)
	}
	return loaded, nil
}

// persistent reports whether a package belongs in the status database.
func persistent(p *pkg.Pkg) bool {
	if p.Dest == "" {
		return false
	}
	if p.StateStatus != pkg.StatusNotInstalled {
		return true
	}
	if p.StateWant != pkg.WantUnknown {
		return true
	}
	return p.StateFlag&(pkg.FlagHold|pkg.FlagUser) != 0
}

// Save serializes every persistent record bound to this destination and
// atomically replaces the status file.
func (f *File) Save(h *pkg.Hash) error {
	var buf bytes.Buffer
	for _, p := range h.All() {
		if p.Dest != f.dest.Name || !persistent(p) {
			continue
		}
		p.WriteStatus(&buf, f.verbose)
	}

	if err := utils.AtomicWrite(f.dest.StatusPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing status file: %w", err)
	}
	return nil
}
