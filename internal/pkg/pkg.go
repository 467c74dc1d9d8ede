// Package pkg implements the package data model: concrete and abstract
// packages, the control-format parser, the hashing index, and the expansion
// of dependency expressions.
package pkg

import (
	"fmt"

	"github.com/ralt/opm/internal/version"
)

// Field is a name/value pair preserved from an unrecognised control field.
type Field struct {
	Name  string
	Value string
}

// Conffile is a configuration file whose user modifications are preserved
// across upgrades. The MD5 records the checksum at install time.
type Conffile struct {
	Path string
	MD5  string
}

// Pkg is a single concrete package version.
type Pkg struct {
	Name         string
	Version      version.Version
	Architecture string
	ArchPriority int

	Maintainer    string
	Section       string
	Priority      string
	Description   string
	Tags          string
	Source        string
	Essential     bool
	AutoInstalled bool

	Filename      string // path within the feed
	LocalFilename string // downloaded archive on disk
	Size          int64
	InstalledSize int64
	InstalledTime int64
	MD5Sum        string
	SHA256Sum     string

	// Src is the feed this record came from; empty for records loaded from
	// a status file. Dest is the name of the destination the package is
	// bound to.
	Src  string
	Dest string

	StateWant   StateWant
	StateFlag   StateFlag
	StateStatus StateStatus

	// Raw dependency strings as parsed from control; expanded lazily by
	// the resolver into Depends/Provides.
	DependsStr    string
	PreDependsStr string
	RecommendsStr string
	SuggestsStr   string
	ConflictsStr  string
	ReplacesStr   string
	ProvidesStr   string

	// Depends holds every relation of the package, tagged by kind:
	// pre-depends first, then depends, recommends, suggests, conflicts
	// and replaces.
	Depends []*CompoundDep

	// Provides lists the abstract packages this package satisfies. The
	// package's own name is always the first entry.
	Provides []*AbstractPkg

	Conffiles  []Conffile
	UserFields []Field

	depsParsed bool
}

// New returns an empty package record.
func New() *Pkg {
	return &Pkg{
		StateWant:   WantUnknown,
		StateFlag:   FlagOK,
		StateStatus: StatusNotInstalled,
	}
}

// ID identifies the package for logging: name, version and architecture.
func (p *Pkg) ID() string {
	if p.Architecture == "" {
		return fmt.Sprintf("%s_%s", p.Name, p.Version)
	}
	return fmt.Sprintf("%s_%s_%s", p.Name, p.Version, p.Architecture)
}

// SameIdentity reports whether two records describe the same concrete
// package from the same source.
func (p *Pkg) SameIdentity(o *Pkg) bool {
	return p.Name == o.Name &&
		version.Compare(p.Version, o.Version) == 0 &&
		p.Version.Revision == o.Version.Revision &&
		p.Architecture == o.Architecture &&
		p.Src == o.Src
}

// Installed reports whether the package is present on disk in any form that
// owns files.
func (p *Pkg) Installed() bool {
	switch p.StateStatus {
	case StatusInstalled, StatusUnpacked, StatusHalfConfigured,
		StatusHalfInstalled, StatusPostInstFailed, StatusRemovalFailed:
		return true
	default:
		return false
	}
}

// DependsCount returns how many relations of the given kinds the package
// carries.
func (p *Pkg) DependsCount(kinds ...DepKind) int {
	n := 0
	for _, d := range p.Depends {
		for _, k := range kinds {
			if d.Kind == k {
				n++
				break
			}
		}
	}
	return n
}

// Merge folds any new information from newer into p. For each scalar field
// the existing non-empty value is preserved; dependency, provides, conflicts
// and replaces arrays move over only when p has none of its own. The two
// records must describe the same (name, version, revision); callers enforce
// this.
func Merge(p, newer *Pkg) {
	if p == newer {
		return
	}

	if !p.AutoInstalled {
		p.AutoInstalled = newer.AutoInstalled
	}
	if p.Src == "" {
		p.Src = newer.Src
	}
	if p.Dest == "" {
		p.Dest = newer.Dest
	}
	if p.Architecture == "" {
		p.Architecture = newer.Architecture
	}
	if p.ArchPriority == 0 {
		p.ArchPriority = newer.ArchPriority
	}
	if p.Section == "" {
		p.Section = newer.Section
	}
	if p.Maintainer == "" {
		p.Maintainer = newer.Maintainer
	}
	if p.Description == "" {
		p.Description = newer.Description
	}
	if p.Tags == "" {
		p.Tags = newer.Tags
	}

	if p.DependsCount(DepPreDepend, DepDepend, DepRecommend, DepSuggest) == 0 {
		p.DependsStr = newer.DependsStr
		p.PreDependsStr = newer.PreDependsStr
		p.RecommendsStr = newer.RecommendsStr
		p.SuggestsStr = newer.SuggestsStr
		moveDepends(p, newer, DepPreDepend, DepDepend, DepRecommend, DepSuggest)
		p.depsParsed = newer.depsParsed
	}
	if p.DependsCount(DepConflict) == 0 {
		p.ConflictsStr = newer.ConflictsStr
		moveDepends(p, newer, DepConflict)
	}
	if p.DependsCount(DepReplace) == 0 {
		p.ReplacesStr = newer.ReplacesStr
		moveDepends(p, newer, DepReplace)
	}

	// More than the trivial self-entry means real Provides information.
	if len(p.Provides) <= 1 {
		p.ProvidesStr = newer.ProvidesStr
		if len(newer.Provides) > 1 {
			p.Provides = newer.Provides
			newer.Provides = nil
		}
	}

	if p.Filename == "" {
		p.Filename = newer.Filename
	}
	if p.LocalFilename == "" {
		p.LocalFilename = newer.LocalFilename
	}
	if p.MD5Sum == "" {
		p.MD5Sum = newer.MD5Sum
	}
	if p.SHA256Sum == "" {
		p.SHA256Sum = newer.SHA256Sum
	}
	if p.Size == 0 {
		p.Size = newer.Size
	}
	if p.InstalledSize == 0 {
		p.InstalledSize = newer.InstalledSize
	}
	if p.InstalledTime == 0 {
		p.InstalledTime = newer.InstalledTime
	}
	if p.Priority == "" {
		p.Priority = newer.Priority
	}
	if p.Source == "" {
		p.Source = newer.Source
	}
	if !p.Essential {
		p.Essential = newer.Essential
	}

	if len(p.UserFields) == 0 {
		p.UserFields = newer.UserFields
		newer.UserFields = nil
	}
	if len(p.Conffiles) == 0 {
		p.Conffiles = newer.Conffiles
		newer.Conffiles = nil
	}
}

// moveDepends transfers relations of the given kinds from newer to p,
// leaving newer without them.
func moveDepends(p, newer *Pkg, kinds ...DepKind) {
	var kept []*CompoundDep
	for _, d := range newer.Depends {
		moved := false
		for _, k := range kinds {
			if d.Kind == k {
				p.Depends = append(p.Depends, d)
				moved = true
				break
			}
		}
		if !moved {
			kept = append(kept, d)
		}
	}
	newer.Depends = kept
}
