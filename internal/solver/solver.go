// Package solver computes action plans: which packages to install, remove
// and configure so the declared dependencies, user holds and architecture
// priorities all hold, with conflicts detected before any filesystem
// mutation. The algorithm is a greedy backtracker, not a full SAT search.
package solver

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/conf"
	"github.com/ralt/opm/internal/models"
	"github.com/ralt/opm/internal/pkg"
	"github.com/ralt/opm/internal/version"
)

// Op is one planned operation on a package.
type Op int

const (
	OpNoop Op = iota
	OpInstall
	OpConfigure
	OpRemove
	OpPurge
)

// String names the operation.
func (op Op) String() string {
	switch op {
	case OpNoop:
		return "noop"
	case OpInstall:
		return "install"
	case OpConfigure:
		return "configure"
	case OpRemove:
		return "remove"
	case OpPurge:
		return "purge"
	default:
		return "noop"
	}
}

// Action pairs a package with the operation to run on it.
type Action struct {
	Pkg *pkg.Pkg
	Op  Op
}

// Plan is the ordered action list: pre-depends unpack before their
// dependents, removals run after replacing unpacks, configures after every
// unpack.
type Plan struct {
	Actions []Action
}

// Empty reports whether the plan contains no real work.
func (p *Plan) Empty() bool {
	for _, a := range p.Actions {
		if a.Op != OpNoop {
			return false
		}
	}
	return true
}

// Solver plans transactions against a package index.
type Solver struct {
	hash *pkg.Hash
	opts *conf.Options
}

// New creates a solver.
func New(h *pkg.Hash, opts *conf.Options) *Solver {
	return &Solver{hash: h, opts: opts}
}

// state is the tentative world while a plan is being built.
type state struct {
	installs []*pkg.Pkg
	inSet    map[*pkg.Pkg]bool
	removes  map[*pkg.Pkg]Op
	chain    []string
}

func newState() *state {
	return &state{
		inSet:   make(map[*pkg.Pkg]bool),
		removes: make(map[*pkg.Pkg]Op),
	}
}

func (st *state) removing(p *pkg.Pkg) bool {
	_, ok := st.removes[p]
	return ok
}

// blockErr surfaces the minimal blocking chain: the tentative frontier at
// the point of the last backtrack.
func (st *state) blockErr(tail string) error {
	chain := append(append([]string(nil), st.chain...), tail)
	return &models.OpmError{
		Type: models.ErrResolve,
		Err:  fmt.Errorf("cannot satisfy %s", strings.Join(chain, " -> ")),
	}
}

// Install plans the installation of the given goal expressions. A goal may
// be a bare name, "name (>= 1.2)", a disjunction "a | b", or "name=version".
func (s *Solver) Install(goals []string) (*Plan, error) {
	st := newState()

	for _, goal := range goals {
		dep, err := s.hash.GoalCompound(normalizeGoal(goal))
		if err != nil {
			return nil, &models.OpmError{Type: models.ErrResolve, Err: err}
		}

		sat, err := s.satisfiedBy(st, dep)
		if err != nil {
			return nil, err
		}
		if sat != nil {
			logrus.Infof("Package %s is already installed", sat.Name)
			continue
		}
		if err := s.satisfy(st, dep, false, false); err != nil {
			return nil, err
		}
	}

	return s.finish(st)
}

// Remove plans the removal of the named installed packages.
func (s *Solver) Remove(names []string, purge bool) (*Plan, error) {
	st := newState()
	op := OpRemove
	if purge {
		op = OpPurge
	}

	for _, name := range names {
		// Installed covers config-files packages too, so a purge can
		// clear retained conffiles.
		p := s.hash.Installed(name)
		if p == nil {
			return nil, &models.OpmError{
				Type: models.ErrResolve,
				Err:  fmt.Errorf("package %s is not installed", name),
			}
		}
		if err := s.scheduleRemove(st, p, op); err != nil {
			return nil, err
		}
	}

	if s.opts.AutoRemove {
		if err := s.autoRemove(st, op); err != nil {
			return nil, err
		}
	}

	return s.finish(st)
}

// autoRemove schedules the removal of auto-installed packages that no
// remaining installed package depends on, iterating until no more fall
// out.
func (s *Solver) autoRemove(st *state, op Op) error {
	installed := s.hash.InstalledAll()
	for _, p := range installed {
		if err := s.hash.Resolve(p); err != nil {
			return err
		}
	}

	for changed := true; changed; {
		changed = false
		for _, p := range installed {
			if !p.AutoInstalled || st.removing(p) {
				continue
			}
			if p.StateStatus == pkg.StatusConfigFiles || p.Essential {
				continue
			}
			if p.StateFlag&pkg.FlagHold != 0 {
				continue
			}
			if s.stillRequired(st, p) {
				continue
			}
			logrus.Infof("%s is no longer required, removing", p.Name)
			st.removes[p] = op
			changed = true
		}
	}
	return nil
}

// stillRequired reports whether some installed package that is not going
// away depends on p.
func (s *Solver) stillRequired(st *state, p *pkg.Pkg) bool {
	for _, ab := range p.Provides {
		for _, dependant := range ab.DependedBy {
			if !dependant.Installed() || st.removing(dependant) {
				continue
			}
			for _, dep := range dependant.Depends {
				if dep.Kind != pkg.DepPreDepend && dep.Kind != pkg.DepDepend {
					continue
				}
				for _, poss := range dep.Possibilities {
					if poss.Satisfies(p) {
						return true
					}
				}
			}
		}
	}
	return false
}

// Upgrade plans upgrades for the named packages, or every installed package
// when names is empty. Held packages are skipped with a notice and produce
// no action.
func (s *Solver) Upgrade(names []string) (*Plan, error) {
	st := newState()

	var candidates []*pkg.Pkg
	if len(names) == 0 {
		candidates = s.hash.InstalledAll()
	} else {
		for _, name := range names {
			p := s.hash.Installed(name)
			if p == nil {
				return nil, &models.OpmError{
					Type: models.ErrResolve,
					Err:  fmt.Errorf("package %s is not installed", name),
				}
			}
			candidates = append(candidates, p)
		}
	}

	for _, installed := range candidates {
		if installed.StateStatus == pkg.StatusConfigFiles {
			continue
		}
		if installed.StateFlag&pkg.FlagHold != 0 {
			logrus.Infof("Not upgrading %s: held by user", installed.Name)
			continue
		}

		// Newest supported version of the same name; Best would rank the
		// installed version first and never pick the upgrade.
		var best *pkg.Pkg
		for _, c := range s.hash.Versions(installed.Name) {
			if c.ArchPriority <= 0 || (c.StateFlag&pkg.FlagHold != 0 && !c.Installed()) {
				continue
			}
			best = c
			break
		}
		if best == nil || best == installed {
			continue
		}
		if version.Compare(best.Version, installed.Version) <= 0 {
			continue
		}

		logrus.Infof("Upgrading %s from %s to %s", installed.Name, installed.Version, best.Version)
		best.AutoInstalled = installed.AutoInstalled
		if err := s.install(st, best); err != nil {
			return nil, err
		}
	}

	return s.finish(st)
}

// normalizeGoal rewrites "name=version" into constraint grammar.
func normalizeGoal(goal string) string {
	goal = strings.TrimSpace(goal)
	if idx := strings.Index(goal, "="); idx > 0 && !strings.ContainsAny(goal, "(|<>") {
		return fmt.Sprintf("%s (= %s)", goal[:idx], goal[idx+1:])
	}
	return goal
}

// satisfiedBy returns a package already satisfying the compound under the
// tentative world, or nil.
func (s *Solver) satisfiedBy(st *state, dep *pkg.CompoundDep) (*pkg.Pkg, error) {
	for _, poss := range dep.Possibilities {
		if err := s.hash.ResolveAbstract(poss.Target); err != nil {
			return nil, err
		}
		for _, c := range poss.Target.Providers {
			if !poss.Satisfies(c) {
				continue
			}
			if st.inSet[c] {
				return c, nil
			}
			if c.Installed() && !st.removing(c) {
				return c, nil
			}
		}
	}
	return nil, nil
}

// satisfy picks a provider for the compound and schedules its installation,
// trying the possibilities in pipe order and backtracking on failure. A
// candidate carrying the prefer flag outranks pipe order. Recommend-level
// failures degrade to warnings.
func (s *Solver) satisfy(st *state, dep *pkg.CompoundDep, recommend, auto bool) error {
	type choice struct {
		poss      *pkg.Possibility
		candidate *pkg.Pkg
	}
	var preferred, plain []choice
	for _, poss := range dep.Possibilities {
		candidate, err := s.hash.BestProvider(poss.Target, poss.Constraint)
		if err != nil {
			return err
		}
		if candidate == nil {
			continue
		}
		if candidate.StateFlag&pkg.FlagPrefer != 0 {
			preferred = append(preferred, choice{poss, candidate})
		} else {
			plain = append(plain, choice{poss, candidate})
		}
	}

	var lastErr error
	for _, ch := range append(preferred, plain...) {
		st.chain = append(st.chain, ch.poss.String())
		err := s.install(st, ch.candidate)
		st.chain = st.chain[:len(st.chain)-1]
		if err == nil {
			if auto && !ch.candidate.Installed() {
				ch.candidate.AutoInstalled = true
			}
			return nil
		}
		lastErr = err
	}

	if recommend {
		logrus.Warnf("Cannot satisfy recommendation %s", dep)
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return st.blockErr(fmt.Sprintf("%s (no installable candidate)", dep))
}

// install tentatively adds p and recursively satisfies its unmet depends
// and pre-depends. Recommends join only under the add-recommends policy;
// suggests never do.
func (s *Solver) install(st *state, p *pkg.Pkg) error {
	if st.inSet[p] {
		return nil
	}
	if p.StateStatus == pkg.StatusInstalled && !st.removing(p) {
		return nil
	}

	if err := s.hash.Resolve(p); err != nil {
		return &models.OpmError{Type: models.ErrResolve, Package: p.Name, Err: err}
	}

	if err := s.checkConflicts(st, p); err != nil {
		return err
	}

	// Tentatively accepted before recursing so dependency cycles terminate.
	mark := len(st.installs)
	st.inSet[p] = true
	st.installs = append(st.installs, p)

	// An upgrade displaces the older installed version.
	if old := s.hash.Installed(p.Name); old != nil && old != p {
		if _, ok := st.removes[old]; !ok {
			st.removes[old] = OpNoop // displaced, not removed: files diffed at unpack
		}
	}

	for _, dep := range p.Depends {
		switch dep.Kind {
		case pkg.DepPreDepend, pkg.DepDepend:
		case pkg.DepRecommend:
			if !s.opts.AddRecommends {
				continue
			}
		default:
			continue
		}

		sat, err := s.satisfiedBy(st, dep)
		if err != nil {
			return err
		}
		if sat != nil {
			continue
		}

		if err := s.satisfy(st, dep, dep.Kind == pkg.DepRecommend, true); err != nil {
			// Backtrack: p and everything pulled in on its behalf leave
			// the tentative set.
			for _, q := range st.installs[mark:] {
				delete(st.inSet, q)
			}
			st.installs = st.installs[:mark]
			return err
		}
	}

	return nil
}

// checkConflicts rejects p when it conflicts with an installed or tentative
// package that is not scheduled for removal, and vice versa. A conflict
// covered by Replaces schedules the replaced package's removal instead.
func (s *Solver) checkConflicts(st *state, p *pkg.Pkg) error {
	conflicting := func(dep *pkg.CompoundDep, candidates []*pkg.Pkg) *pkg.Pkg {
		for _, poss := range dep.Possibilities {
			for _, c := range candidates {
				if c == p || c.Name == p.Name {
					continue
				}
				if poss.Satisfies(c) {
					return c
				}
			}
		}
		return nil
	}

	world := s.hash.InstalledAll()
	world = append(world, st.installs...)
	var active []*pkg.Pkg
	for _, c := range world {
		// Packages on their way out, displaced versions included, cannot
		// conflict.
		if st.removing(c) {
			continue
		}
		active = append(active, c)
	}

	// p's declared conflicts against the world.
	for _, dep := range p.Depends {
		if dep.Kind != pkg.DepConflict {
			continue
		}
		other := conflicting(dep, active)
		if other == nil {
			continue
		}
		if pkg.Replaces(p, other) {
			logrus.Debugf("%s replaces conflicting %s", p.Name, other.Name)
			st.removes[other] = OpRemove
			continue
		}
		return &models.OpmError{
			Type:    models.ErrResolve,
			Package: p.Name,
			Err:     fmt.Errorf("conflicts with installed package %s", other.ID()),
		}
	}

	// The world's declared conflicts against p.
	for _, other := range active {
		if other == p || other.Name == p.Name {
			continue
		}
		if err := s.hash.Resolve(other); err != nil {
			return err
		}
		for _, dep := range other.Depends {
			if dep.Kind != pkg.DepConflict {
				continue
			}
			for _, poss := range dep.Possibilities {
				if poss.Satisfies(p) {
					return &models.OpmError{
						Type:    models.ErrResolve,
						Package: p.Name,
						Err:     fmt.Errorf("installed package %s conflicts with it", other.ID()),
					}
				}
			}
		}
	}

	return nil
}

// scheduleRemove marks an installed package for removal. Essential packages
// require the force flag.
func (s *Solver) scheduleRemove(st *state, p *pkg.Pkg, op Op) error {
	if p.Essential && !s.opts.ForceRemovalOfEssential {
		return &models.OpmError{
			Type:    models.ErrResolve,
			Package: p.Name,
			Err:     fmt.Errorf("refusing to remove essential package"),
		}
	}

	for _, dependant := range s.brokenBy(st, p) {
		logrus.Warnf("Removing %s breaks %s", p.Name, dependant.Name)
	}

	st.removes[p] = op
	return nil
}

// brokenBy lists installed packages whose depends would no longer be
// satisfiable once p is gone.
func (s *Solver) brokenBy(st *state, p *pkg.Pkg) []*pkg.Pkg {
	var broken []*pkg.Pkg
	for _, ab := range p.Provides {
		for _, dependant := range ab.DependedBy {
			if !dependant.Installed() || st.removing(dependant) {
				continue
			}
			for _, dep := range dependant.Depends {
				if dep.Kind != pkg.DepPreDepend && dep.Kind != pkg.DepDepend {
					continue
				}
				uses := false
				for _, poss := range dep.Possibilities {
					if poss.Satisfies(p) {
						uses = true
					}
				}
				if !uses {
					continue
				}
				alt, err := s.altSatisfier(st, dep, p)
				if err == nil && alt == nil {
					broken = append(broken, dependant)
				}
			}
		}
	}
	return broken
}

// altSatisfier finds an installed satisfier of dep other than excluded.
func (s *Solver) altSatisfier(st *state, dep *pkg.CompoundDep, excluded *pkg.Pkg) (*pkg.Pkg, error) {
	for _, poss := range dep.Possibilities {
		for _, c := range poss.Target.Providers {
			if c == excluded || st.removing(c) || !c.Installed() {
				continue
			}
			if poss.Satisfies(c) {
				return c, nil
			}
		}
	}
	return nil, nil
}

// finish orders the tentative sets into the final plan.
func (s *Solver) finish(st *state) (*Plan, error) {
	ordered := topoByPreDepends(st.installs)

	plan := &Plan{}
	for _, p := range ordered {
		plan.Actions = append(plan.Actions, Action{Pkg: p, Op: OpInstall})
		if s.opts.ConfigureOnUnpack {
			plan.Actions = append(plan.Actions, Action{Pkg: p, Op: OpConfigure})
		}
	}

	// Removals run after replacing unpacks. Displaced old versions
	// (OpNoop) are handled by the unpack itself.
	for p, op := range st.removes {
		if op == OpRemove || op == OpPurge {
			plan.Actions = append(plan.Actions, Action{Pkg: p, Op: op})
		}
	}

	if !s.opts.ConfigureOnUnpack {
		for _, p := range ordered {
			plan.Actions = append(plan.Actions, Action{Pkg: p, Op: OpConfigure})
		}
	}

	return plan, nil
}

// topoByPreDepends orders the install set so pre-depends and depends unpack
// before their dependents. A dependency cycle is broken at the edge that
// closes it.
func topoByPreDepends(installs []*pkg.Pkg) []*pkg.Pkg {
	inSet := make(map[*pkg.Pkg]bool, len(installs))
	for _, p := range installs {
		inSet[p] = true
	}

	visited := make(map[*pkg.Pkg]int) // 0 new, 1 visiting, 2 done
	var ordered []*pkg.Pkg

	var visit func(p *pkg.Pkg)
	visit = func(p *pkg.Pkg) {
		if visited[p] != 0 {
			return
		}
		visited[p] = 1
		for _, dep := range p.Depends {
			if dep.Kind != pkg.DepPreDepend && dep.Kind != pkg.DepDepend {
				continue
			}
			for _, poss := range dep.Possibilities {
				for _, c := range poss.Target.Providers {
					if inSet[c] && visited[c] != 1 && poss.Satisfies(c) {
						visit(c)
					}
				}
			}
		}
		visited[p] = 2
		ordered = append(ordered, p)
	}

	for _, p := range installs {
		visit(p)
	}
	return ordered
}
