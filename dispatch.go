package routedp

import (
	"fmt"
)

// DispatchExchange runs the interception chain for one exchange delivered by
// the browser control transport. It is safe to call concurrently for
// unrelated exchanges; handlers for a single exchange are invoked strictly
// sequentially. A handler error is returned to the caller without resolving
// the exchange.
//
// No exchange-global lock is held while a handler executes, so handler bodies
// may themselves trigger new intercepted requests that recursively enter the
// dispatcher.
func (c *BrowserContext) DispatchExchange(ev *ExchangeEvent) error {
	select {
	case <-c.closed:
		return ErrTargetClosed
	default:
	}
	if ev.Request == nil {
		return fmt.Errorf("exchange %s: missing request descriptor", ev.ID)
	}

	r := &Route{
		id:        ev.ID,
		request:   ev.Request,
		bctx:      c,
		page:      ev.Page,
		overrides: &ContinueOverrides{},
	}
	if ev.Kind == ExchangeWebSocketUpgrade {
		return c.dispatchWebSocket(r)
	}
	return c.dispatchRequest(r)
}

// scopes returns the registries consulted for the route, page scope first.
func (c *BrowserContext) scopes(r *Route, ws bool) []*routeRegistry {
	var regs []*routeRegistry
	if r.page != nil {
		if ws {
			regs = append(regs, r.page.wsRoutes)
		} else {
			regs = append(regs, r.page.routes)
		}
	}
	if ws {
		return append(regs, c.wsRoutes)
	}
	return append(regs, c.routes)
}

func (c *BrowserContext) dispatchRequest(r *Route) error {
	for _, reg := range c.scopes(r, false) {
		// Snapshot per scope at dispatch time: handlers may route/unroute
		// concurrently without corrupting this resolution.
		for _, e := range reg.snapshot() {
			if !e.matcher.Match(r.Request().URL) {
				continue
			}
			if !reg.claim(e) {
				continue
			}
			r.fellBack = false
			c.dbgf("exchange %s: handler invoked for %s", r.id, r.request.URL)
			if err := e.handler(r); err != nil {
				return err
			}
			if r.Resolved() {
				return nil
			}
			if !r.fellBack {
				// The handler kept the exchange pending; the triggering
				// action blocks until the handler (or a close) resolves it.
				return nil
			}
		}
	}
	c.dbgf("exchange %s: no handler resolved %s, continuing", r.id, r.request.URL)
	return r.continueImplicit()
}

func (c *BrowserContext) dispatchWebSocket(r *Route) error {
	var entry *routeEntry
outer:
	for _, reg := range c.scopes(r, true) {
		for _, e := range reg.snapshot() {
			if e.matcher.Match(r.request.URL) && reg.claim(e) {
				entry = e
				break outer
			}
		}
	}
	if entry == nil {
		// No rule in the merged order matches: the real connection proceeds
		// untouched.
		return c.transport.ContinueWebSocket(r.id)
	}

	client, err := c.transport.AcceptWebSocket(r.id)
	if err != nil {
		return err
	}
	ws := newWebSocketRoute(r, client)
	c.trackSession(ws)
	if err := entry.wsHandler(ws); err != nil {
		ws.shutdown()
		return err
	}
	// Frames are not pumped until the handler returned, so listeners attached
	// inside the handler always observe the first frame.
	ws.start()
	return nil
}
