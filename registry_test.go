package routedp

import (
	"testing"
)

func entryFor(pattern string) *routeEntry {
	return &routeEntry{
		matcher:   MatchGlob(pattern),
		handler:   func(*Route) error { return nil },
		remaining: -1,
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	t.Parallel()

	reg := newRouteRegistry()
	first, second, third := entryFor("a"), entryFor("b"), entryFor("c")
	reg.add(first)
	reg.add(second)
	reg.add(third)

	snap := reg.snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	// Most recently registered comes first.
	if snap[0] != third || snap[1] != second || snap[2] != first {
		t.Error("snapshot not in reverse registration order")
	}
}

func TestRegistryRemoveByPattern(t *testing.T) {
	t.Parallel()

	reg := newRouteRegistry()
	reg.add(entryFor("**/a"))
	reg.add(entryFor("**/b"))
	reg.add(entryFor("**/a"))

	reg.remove(MatchGlob("**/a"), 0)
	snap := reg.snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
	if snap[0].matcher.glob != "**/b" {
		t.Errorf("wrong survivor: %q", snap[0].matcher.glob)
	}
}

func TestRegistryRemoveByHandler(t *testing.T) {
	t.Parallel()

	keep := RouteHandler(func(*Route) error { return nil })
	drop := RouteHandler(func(*Route) error { return nil })

	reg := newRouteRegistry()
	reg.add(&routeEntry{matcher: MatchGlob("*"), handler: keep, remaining: -1, handlerID: handlerID(keep)})
	reg.add(&routeEntry{matcher: MatchGlob("*"), handler: drop, remaining: -1, handlerID: handlerID(drop)})

	reg.remove(MatchGlob("*"), handlerID(drop))
	snap := reg.snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
	if snap[0].handlerID != handlerID(keep) {
		t.Error("removed the wrong handler's entry")
	}
}

func TestRegistryClaimExhaustion(t *testing.T) {
	t.Parallel()

	reg := newRouteRegistry()
	e := entryFor("*")
	e.remaining = 2
	reg.add(e)

	if !reg.claim(e) || !reg.claim(e) {
		t.Fatal("first two claims should succeed")
	}
	if reg.claim(e) {
		t.Error("third claim should fail")
	}
	// The exhausted entry is pruned.
	if !reg.empty() {
		t.Error("expected registry to be empty after exhaustion")
	}
}

func TestRegistryClaimUnbounded(t *testing.T) {
	t.Parallel()

	reg := newRouteRegistry()
	e := entryFor("*")
	reg.add(e)
	for i := 0; i < 100; i++ {
		if !reg.claim(e) {
			t.Fatalf("claim %d failed", i)
		}
	}
	if reg.empty() {
		t.Error("unbounded entry must not be pruned")
	}
}
