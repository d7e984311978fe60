package routedp

import (
	"reflect"
	"sync"
)

// routeEntry is one (matcher, handler, options) registration owned by a
// registry. remaining < 0 means the entry never expires.
type routeEntry struct {
	matcher   URLMatcher
	handler   RouteHandler
	wsHandler WebSocketRouteHandler
	remaining int
	handlerID uintptr
}

// routeRegistry is the ordered route table of a single scope (one browser
// context or one page). Entries are appended in registration order; resolution
// walks them most-recently-registered first. All mutation is guarded by mu and
// resolution operates on a snapshot, so handlers may register or remove routes
// while a dispatch is iterating the same scope.
type routeRegistry struct {
	mu      sync.Mutex
	entries []*routeEntry
}

func newRouteRegistry() *routeRegistry {
	return &routeRegistry{}
}

func (r *routeRegistry) add(e *routeEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// remove deletes entries registered for the same pattern. A non-zero handlerID
// restricts removal to entries owning that handler identity.
func (r *routeRegistry) remove(matcher URLMatcher, handlerID uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if samePattern(e.matcher, matcher) && (handlerID == 0 || e.handlerID == handlerID) {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
}

func (r *routeRegistry) removeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func (r *routeRegistry) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}

// snapshot returns the current entries most-recently-registered first. The
// returned slice is private to the caller; the entries are shared.
func (r *routeRegistry) snapshot() []*routeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*routeEntry, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

// claim consumes one use of the entry. It reports false when the entry was
// already exhausted (or removed) by a concurrent dispatch; entries that reach
// zero remaining uses are pruned from the registry.
func (r *routeRegistry) claim(e *routeEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.remaining == 0 {
		return false
	}
	if e.remaining > 0 {
		e.remaining--
		if e.remaining == 0 {
			for i, cur := range r.entries {
				if cur == e {
					r.entries = append(r.entries[:i], r.entries[i+1:]...)
					break
				}
			}
		}
	}
	return true
}

// handlerID derives a comparable identity for a handler func, used by Unroute
// to remove only the entry owning the given handler.
func handlerID(handler interface{}) uintptr {
	if handler == nil {
		return 0
	}
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	return v.Pointer()
}
