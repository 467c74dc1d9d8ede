package pkg

import (
	"fmt"
	"strings"

	"github.com/ralt/opm/internal/version"
)

// DepKind distinguishes the relation a compound dependency expresses.
type DepKind int

const (
	DepPreDepend DepKind = iota
	DepDepend
	DepRecommend
	DepSuggest
	DepConflict
	DepReplace
)

// String returns the control-field name of the relation.
func (k DepKind) String() string {
	switch k {
	case DepPreDepend:
		return "Pre-Depends"
	case DepDepend:
		return "Depends"
	case DepRecommend:
		return "Recommends"
	case DepSuggest:
		return "Suggests"
	case DepConflict:
		return "Conflicts"
	case DepReplace:
		return "Replaces"
	default:
		return "Depends"
	}
}

// Possibility is one arm of a compound dependency: an abstract package name
// with an optional version constraint.
type Possibility struct {
	Target     *AbstractPkg
	Constraint version.Constraint
}

// String formats the possibility as it would appear in a control field.
func (p *Possibility) String() string {
	if p.Constraint.Op == version.OpNone {
		return p.Target.Name
	}
	return fmt.Sprintf("%s %s", p.Target.Name, p.Constraint)
}

// Satisfies reports whether the given concrete package satisfies this
// possibility: it must provide the target name and, when the provider is the
// package itself, meet the version constraint. Providers under a different
// name satisfy any constraint, matching Debian semantics for unversioned
// provides.
func (p *Possibility) Satisfies(c *Pkg) bool {
	for _, ab := range c.Provides {
		if ab != p.Target {
			continue
		}
		if p.Constraint.Op == version.OpNone || c.Name != p.Target.Name {
			return true
		}
		return p.Constraint.Satisfied(c.Version)
	}
	return false
}

// CompoundDep is a disjunction of possibilities under one relation kind.
// Greedy marks greedy depends; the solver resolves them like plain depends,
// to the single best provider.
type CompoundDep struct {
	Kind          DepKind
	Greedy        bool
	Possibilities []*Possibility
}

// String formats the compound as a pipe-separated possibility list.
func (d *CompoundDep) String() string {
	parts := make([]string, len(d.Possibilities))
	for i, p := range d.Possibilities {
		parts[i] = p.String()
	}
	return strings.Join(parts, " | ")
}

// AbstractPkg is a package name shared by every concrete version and
// provider of that name.
type AbstractPkg struct {
	Name string

	// Providers are the concrete packages whose Provides list includes
	// this name, the self-provider included.
	Providers []*Pkg

	// DependedBy lists concrete packages with a dependency possibility
	// naming this abstract package.
	DependedBy []*Pkg

	// DepsChecked guards lazy dependency expansion of the providers.
	DepsChecked bool

	// Status is the rolled-up state across providers, used by the solver.
	Status StateStatus
}

func (a *AbstractPkg) addProvider(p *Pkg) {
	for _, existing := range a.Providers {
		if existing == p {
			return
		}
	}
	a.Providers = append(a.Providers, p)
}

func (a *AbstractPkg) addDependent(p *Pkg) {
	for _, existing := range a.DependedBy {
		if existing == p {
			return
		}
	}
	a.DependedBy = append(a.DependedBy, p)
}

// parseCompound parses one compound term: possibility ('|' possibility)*.
// Each named abstract package is created in the hash when absent so forward
// references resolve.
func (h *Hash) parseCompound(kind DepKind, term string) (*CompoundDep, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("empty dependency term")
	}

	dep := &CompoundDep{Kind: kind}
	for _, arm := range strings.Split(term, "|") {
		poss, err := h.parsePossibility(arm)
		if err != nil {
			return nil, err
		}
		dep.Possibilities = append(dep.Possibilities, poss)
	}
	return dep, nil
}

// parsePossibility parses NAME [ '(' OP VERSION ')' ].
func (h *Hash) parsePossibility(arm string) (*Possibility, error) {
	arm = strings.TrimSpace(arm)
	if arm == "" {
		return nil, fmt.Errorf("empty dependency possibility")
	}

	name := arm
	var constraint version.Constraint

	if idx := strings.Index(arm, "("); idx != -1 {
		name = strings.TrimSpace(arm[:idx])
		rest := arm[idx+1:]
		end := strings.Index(rest, ")")
		if end == -1 {
			return nil, fmt.Errorf("unterminated version constraint in %q", arm)
		}
		if strings.TrimSpace(rest[end+1:]) != "" {
			return nil, fmt.Errorf("trailing garbage after constraint in %q", arm)
		}

		op, verStr, err := version.ParseOp(strings.TrimSpace(rest[:end]))
		if err != nil {
			return nil, fmt.Errorf("in %q: %w", arm, err)
		}
		v, err := version.Parse(verStr)
		if err != nil {
			return nil, fmt.Errorf("in %q: %w", arm, err)
		}
		constraint = version.Constraint{Op: op, Version: v}
	}

	if name == "" || strings.ContainsAny(name, " \t") {
		return nil, fmt.Errorf("malformed package name in dependency %q", arm)
	}

	return &Possibility{
		Target:     h.EnsureAbstract(name),
		Constraint: constraint,
	}, nil
}

// parseDependsField parses a comma-separated dependency field into compound
// terms of the given kind and registers p on each possibility's abstract
// entry.
func (h *Hash) parseDependsField(p *Pkg, kind DepKind, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, term := range strings.Split(raw, ",") {
		if strings.TrimSpace(term) == "" {
			continue
		}
		dep, err := h.parseCompound(kind, term)
		if err != nil {
			return fmt.Errorf("%s of %s: %w", kind, p.Name, err)
		}
		p.Depends = append(p.Depends, dep)
		for _, poss := range dep.Possibilities {
			poss.Target.addDependent(p)
		}
	}
	return nil
}

// parseProvidesField parses a Provides field. The package's own name is
// always registered first. Runs eagerly at insertion so the providers index
// is complete; idempotent.
func (h *Hash) parseProvidesField(p *Pkg, raw string) error {
	if len(p.Provides) > 0 {
		return nil
	}

	self := h.EnsureAbstract(p.Name)
	self.addProvider(p)
	p.Provides = append(p.Provides, self)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, term := range strings.Split(raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		// Versioned provides carry a constraint we do not track beyond
		// the name; strip it.
		name := term
		if idx := strings.Index(term, "("); idx != -1 {
			name = strings.TrimSpace(term[:idx])
		}
		if name == "" || strings.ContainsAny(name, " \t") {
			return fmt.Errorf("Provides of %s: malformed name %q", p.Name, term)
		}
		if name == p.Name {
			continue
		}
		ab := h.EnsureAbstract(name)
		ab.addProvider(p)
		p.Provides = append(p.Provides, ab)
	}
	return nil
}

// resolveDeps expands every raw dependency string of p. Idempotent.
func (h *Hash) resolveDeps(p *Pkg) error {
	if p.depsParsed {
		return nil
	}
	p.depsParsed = true

	fields := []struct {
		kind DepKind
		raw  string
	}{
		{DepPreDepend, p.PreDependsStr},
		{DepDepend, p.DependsStr},
		{DepRecommend, p.RecommendsStr},
		{DepSuggest, p.SuggestsStr},
		{DepConflict, p.ConflictsStr},
		{DepReplace, p.ReplacesStr},
	}
	for _, f := range fields {
		if err := h.parseDependsField(p, f.kind, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Replaces reports whether p declares a Replaces relation covering other.
// Both packages must have been resolved.
func Replaces(p, other *Pkg) bool {
	for _, dep := range p.Depends {
		if dep.Kind != DepReplace {
			continue
		}
		for _, poss := range dep.Possibilities {
			if poss.Satisfies(other) {
				return true
			}
		}
	}
	return false
}

// ResolveAbstract lazily expands the dependencies of every provider of ab,
// guarded by DepsChecked so large feeds are not expanded up front.
func (h *Hash) ResolveAbstract(ab *AbstractPkg) error {
	if ab.DepsChecked {
		return nil
	}
	ab.DepsChecked = true
	for _, p := range ab.Providers {
		if err := h.resolveDeps(p); err != nil {
			return err
		}
	}
	return nil
}
