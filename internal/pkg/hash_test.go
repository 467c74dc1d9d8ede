package pkg

import (
	"testing"

	"github.com/ralt/opm/internal/version"
)

func makePkg(t *testing.T, name, ver, arch string, prio int) *Pkg {
	t.Helper()
	v, err := version.Parse(ver)
	if err != nil {
		t.Fatalf("bad version %q: %v", ver, err)
	}
	p := New()
	p.Name = name
	p.Version = v
	p.Architecture = arch
	p.ArchPriority = prio
	return p
}

func TestInsertAndVersionsSorted(t *testing.T) {
	h := NewHash()
	for _, ver := range []string{"1.1-5", "1.2-1", "1.0-1"} {
		if _, err := h.Insert(makePkg(t, "b", ver, "all", 1)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	versions := h.Versions("b")
	if len(versions) != 3 {
		t.Fatalf("got %d versions", len(versions))
	}
	want := []string{"1.2-1", "1.1-5", "1.0-1"}
	for i, p := range versions {
		if p.Version.String() != want[i] {
			t.Errorf("versions[%d] = %s, want %s", i, p.Version, want[i])
		}
	}
}

func TestInsertDeduplicatesAndMerges(t *testing.T) {
	h := NewHash()
	a := makePkg(t, "a", "1.0-1", "all", 1)
	a.Src = "feed1"
	a.MD5Sum = "aaaa"
	first, err := h.Insert(a)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	b := makePkg(t, "a", "1.0-1", "all", 1)
	b.Src = "feed1"
	b.MD5Sum = "bbbb"
	b.Section = "libs"
	second, err := h.Insert(b)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if first != second {
		t.Fatal("identical records should deduplicate")
	}
	// Pre-existing non-empty fields win; missing ones are filled in.
	if first.MD5Sum != "aaaa" {
		t.Errorf("MD5Sum = %q, existing value should be preserved", first.MD5Sum)
	}
	if first.Section != "libs" {
		t.Errorf("Section = %q, new value should fill the gap", first.Section)
	}
	if len(h.Versions("a")) != 1 {
		t.Errorf("index should hold one record")
	}
}

func TestMergeKeepsExistingDepends(t *testing.T) {
	h := NewHash()
	a := makePkg(t, "a", "1.0-1", "all", 1)
	a.DependsStr = "libc"
	if _, err := h.Insert(a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := h.ResolveAbstract(h.Abstract("a")); err != nil {
		t.Fatalf("ResolveAbstract failed: %v", err)
	}

	b := makePkg(t, "a", "1.0-1", "all", 1)
	b.DependsStr = "libd"
	merged, err := h.Insert(b)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if merged.DependsStr != "libc" {
		t.Errorf("existing dependency array should win, got %q", merged.DependsStr)
	}
}

func TestProvidesRegisteredOnInsert(t *testing.T) {
	h := NewHash()
	p := makePkg(t, "busybox", "1.36-1", "all", 1)
	p.ProvidesStr = "sh, awk"
	if _, err := h.Insert(p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Own name is always the first provider entry.
	if len(p.Provides) != 3 || p.Provides[0].Name != "busybox" {
		t.Fatalf("Provides = %v", p.Provides)
	}
	for _, name := range []string{"sh", "awk"} {
		ab := h.Abstract(name)
		if ab == nil || len(ab.Providers) != 1 || ab.Providers[0] != p {
			t.Errorf("abstract %q should list busybox as provider", name)
		}
	}
}

func TestLazyDependencyResolution(t *testing.T) {
	h := NewHash()
	a := makePkg(t, "a", "1.0", "all", 1)
	a.DependsStr = "b (>= 1.2) | c"
	if _, err := h.Insert(a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if len(a.Depends) != 0 {
		t.Fatal("dependencies should not expand at insert time")
	}

	if err := h.ResolveAbstract(h.Abstract("a")); err != nil {
		t.Fatalf("ResolveAbstract failed: %v", err)
	}
	if len(a.Depends) != 1 {
		t.Fatalf("Depends = %v", a.Depends)
	}
	d := a.Depends[0]
	if d.Kind != DepDepend || len(d.Possibilities) != 2 {
		t.Fatalf("compound = %+v", d)
	}
	if d.Possibilities[0].Target.Name != "b" || d.Possibilities[1].Target.Name != "c" {
		t.Errorf("possibilities = %s", d)
	}
	if d.Possibilities[0].Constraint.Op != version.OpLaterEqual {
		t.Errorf("constraint = %v", d.Possibilities[0].Constraint)
	}

	// Forward references created empty abstract entries.
	if h.Abstract("b") == nil || h.Abstract("c") == nil {
		t.Error("forward-referenced abstract packages should exist")
	}
	// The dependant is registered on each possibility's abstract entry.
	if deps := h.Abstract("b").DependedBy; len(deps) != 1 || deps[0] != a {
		t.Errorf("b.DependedBy = %v", deps)
	}
}

func TestBestCandidate(t *testing.T) {
	h := NewHash()
	old := makePkg(t, "b", "1.1-5", "all", 1)
	newer := makePkg(t, "b", "1.2-1", "all", 1)
	for _, p := range []*Pkg{old, newer} {
		if _, err := h.Insert(p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	v, _ := version.Parse("1.2")
	best, err := h.Best("b", version.Constraint{Op: version.OpLaterEqual, Version: v})
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if best != newer {
		t.Errorf("Best = %v, want 1.2-1", best)
	}
}

func TestBestSkipsUnsupportedArch(t *testing.T) {
	h := NewHash()
	p := makePkg(t, "b", "1.0", "mips", 0)
	if _, err := h.Insert(p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	best, err := h.Best("b", version.Constraint{})
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if best != nil {
		t.Error("arch priority 0 should never be a candidate")
	}
}

func TestBestPrefersFlaggedProvider(t *testing.T) {
	h := NewHash()
	p := makePkg(t, "p", "1.0", "all", 1)
	q := makePkg(t, "q", "1.0", "all", 1)
	q.StateFlag |= FlagPrefer
	p.ProvidesStr = "virt"
	q.ProvidesStr = "virt"
	for _, x := range []*Pkg{p, q} {
		if _, err := h.Insert(x); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	best, err := h.Best("virt", version.Constraint{})
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if best != q {
		t.Errorf("prefer flag should win, got %v", best)
	}
}

func TestBestSkipsHeldCandidate(t *testing.T) {
	h := NewHash()
	held := makePkg(t, "x", "3.0-1", "all", 1)
	held.StateFlag |= FlagHold
	installed := makePkg(t, "x", "2.0-1", "all", 1)
	installed.StateStatus = StatusInstalled
	installed.StateFlag |= FlagHold
	for _, p := range []*Pkg{held, installed} {
		if _, err := h.Insert(p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	best, err := h.Best("x", version.Constraint{})
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if best != installed {
		t.Errorf("held non-installed candidates are skipped, got %v", best)
	}
}

func TestRemove(t *testing.T) {
	h := NewHash()
	p := makePkg(t, "a", "1.0", "all", 1)
	p.ProvidesStr = "virt"
	if _, err := h.Insert(p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	h.Remove(p)
	if len(h.Versions("a")) != 0 {
		t.Error("record should be gone from the name index")
	}
	if ab := h.Abstract("virt"); len(ab.Providers) != 0 {
		t.Error("record should be gone from the providers list")
	}
}
