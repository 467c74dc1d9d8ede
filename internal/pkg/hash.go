package pkg

import (
	"sort"

	"github.com/ralt/opm/internal/version"
)

// Hash is the process-wide package index: concrete packages keyed by name
// and abstract packages keyed by provided name.
type Hash struct {
	pkgs     map[string][]*Pkg
	abstract map[string]*AbstractPkg

	// unsorted marks names whose version list needs re-sorting before the
	// next lookup. Insertion appends; sorting is lazy.
	unsorted map[string]bool
}

// NewHash creates an empty index.
func NewHash() *Hash {
	return &Hash{
		pkgs:     make(map[string][]*Pkg),
		abstract: make(map[string]*AbstractPkg),
		unsorted: make(map[string]bool),
	}
}

// EnsureAbstract returns the abstract package for name, creating an empty
// entry when absent so forward references work.
func (h *Hash) EnsureAbstract(name string) *AbstractPkg {
	if ab, ok := h.abstract[name]; ok {
		return ab
	}
	ab := &AbstractPkg{Name: name, Status: StatusNotInstalled}
	h.abstract[name] = ab
	return ab
}

// Abstract returns the abstract package for name, or nil.
func (h *Hash) Abstract(name string) *AbstractPkg {
	return h.abstract[name]
}

// Insert adds a package record to the index. Records colliding on
// (name, version, revision, architecture, src) are deduplicated by merging
// the new record's information into the existing one; the existing record is
// returned in that case. Provides are registered eagerly so the providers
// index stays complete; dependency expansion remains lazy.
func (h *Hash) Insert(p *Pkg) (*Pkg, error) {
	for _, existing := range h.pkgs[p.Name] {
		if existing.SameIdentity(p) {
			Merge(existing, p)
			return existing, nil
		}
	}

	h.pkgs[p.Name] = append(h.pkgs[p.Name], p)
	h.unsorted[p.Name] = true

	if err := h.parseProvidesField(p, p.ProvidesStr); err != nil {
		return nil, err
	}
	return p, nil
}

// Versions returns every known version of name, sorted by descending
// (version, arch priority).
func (h *Hash) Versions(name string) []*Pkg {
	list := h.pkgs[name]
	if h.unsorted[name] {
		sort.SliceStable(list, func(i, j int) bool {
			if c := version.Compare(list[i].Version, list[j].Version); c != 0 {
				return c > 0
			}
			return list[i].ArchPriority > list[j].ArchPriority
		})
		delete(h.unsorted, name)
	}
	return list
}

// Names returns every concrete package name in the index.
func (h *Hash) Names() []string {
	names := make([]string, 0, len(h.pkgs))
	for name := range h.pkgs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every package record in the index, grouped by name.
func (h *Hash) All() []*Pkg {
	var all []*Pkg
	for _, name := range h.Names() {
		all = append(all, h.Versions(name)...)
	}
	return all
}

// Installed returns the installed (or partially installed) version of name,
// or nil.
func (h *Hash) Installed(name string) *Pkg {
	for _, p := range h.Versions(name) {
		if p.Installed() || p.StateStatus == StatusConfigFiles {
			return p
		}
	}
	return nil
}

// InstalledAll returns every package that owns files on disk or retains
// config files.
func (h *Hash) InstalledAll() []*Pkg {
	var out []*Pkg
	for _, name := range h.Names() {
		for _, p := range h.Versions(name) {
			if p.Installed() || p.StateStatus == StatusConfigFiles {
				out = append(out, p)
			}
		}
	}
	return out
}

// Best returns the preferred installation candidate among the providers of
// the named abstract package under the given constraint. Returns nil when
// nothing qualifies.
func (h *Hash) Best(name string, constraint version.Constraint) (*Pkg, error) {
	ab := h.abstract[name]
	if ab == nil {
		return nil, nil
	}
	return h.BestProvider(ab, constraint)
}

// BestProvider ranks the providers of an abstract package under a
// constraint: architecture must be supported, holds are skipped unless
// already installed, and the remaining candidates rank by (prefer flag,
// installed, version, arch priority). Returns nil when nothing qualifies.
func (h *Hash) BestProvider(ab *AbstractPkg, constraint version.Constraint) (*Pkg, error) {
	if err := h.ResolveAbstract(ab); err != nil {
		return nil, err
	}

	poss := &Possibility{Target: ab, Constraint: constraint}
	var best *Pkg
	for _, c := range ab.Providers {
		if c.ArchPriority <= 0 {
			continue
		}
		if !poss.Satisfies(c) {
			continue
		}
		if c.StateFlag&FlagHold != 0 && !c.Installed() {
			continue
		}
		if best == nil || candidateLess(best, c) {
			best = c
		}
	}
	return best, nil
}

// Resolve expands the dependency strings of a single package.
func (h *Hash) Resolve(p *Pkg) error {
	return h.resolveDeps(p)
}

// GoalCompound parses a user goal expression ("name", "a | b",
// "name (>= 1.2)") into a compound dependency against this index.
func (h *Hash) GoalCompound(term string) (*CompoundDep, error) {
	return h.parseCompound(DepDepend, term)
}

// candidateLess reports whether b outranks a.
func candidateLess(a, b *Pkg) bool {
	aPrefer, bPrefer := a.StateFlag&FlagPrefer != 0, b.StateFlag&FlagPrefer != 0
	if aPrefer != bPrefer {
		return bPrefer
	}
	if a.Installed() != b.Installed() {
		return b.Installed()
	}
	if c := version.Compare(a.Version, b.Version); c != 0 {
		return c < 0
	}
	return a.ArchPriority < b.ArchPriority
}

// RollupStatus recomputes the cached abstract status for every abstract
// entry from its providers.
func (h *Hash) RollupStatus() {
	for _, ab := range h.abstract {
		ab.Status = StatusNotInstalled
		for _, p := range ab.Providers {
			if p.StateStatus == StatusInstalled {
				ab.Status = StatusInstalled
				break
			}
			if p.Installed() {
				ab.Status = p.StateStatus
			}
		}
	}
}

// Remove drops a concrete package record from the index and from every
// abstract providers list.
func (h *Hash) Remove(p *Pkg) {
	list := h.pkgs[p.Name]
	for i, existing := range list {
		if existing == p {
			h.pkgs[p.Name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.pkgs[p.Name]) == 0 {
		delete(h.pkgs, p.Name)
	}
	for _, ab := range p.Provides {
		for i, provider := range ab.Providers {
			if provider == p {
				ab.Providers = append(ab.Providers[:i], ab.Providers[i+1:]...)
				break
			}
		}
	}
}
