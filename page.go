package routedp

import (
	"context"
	"log"
	"net/http"
	"sync"
)

// BrowserContext is the shared routing scope: routes registered here apply to
// every page of the context. It owns the page set, the connection to the
// browser control transport, and the lifetime of all in-flight exchanges.
type BrowserContext struct {
	transport NetworkTransport

	routes   *routeRegistry
	wsRoutes *routeRegistry

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	httpClient *http.Client

	mu       sync.Mutex
	pages    map[*Page]struct{}
	sessions map[*WebSocketRoute]struct{}

	closeOnce sync.Once

	// logging funcs
	logf, errf, dbgf func(string, ...interface{})
}

// ContextOption is a browser context option.
type ContextOption func(*BrowserContext)

// WithLogf is a context option to specify a func to receive general logging.
func WithLogf(f func(string, ...interface{})) ContextOption {
	return func(c *BrowserContext) { c.logf = f }
}

// WithErrorf is a context option to specify a func to receive error logging.
func WithErrorf(f func(string, ...interface{})) ContextOption {
	return func(c *BrowserContext) { c.errf = f }
}

// WithDebugf is a context option to specify a func to receive debug logging.
func WithDebugf(f func(string, ...interface{})) ContextOption {
	return func(c *BrowserContext) { c.dbgf = f }
}

// WithHTTPClient is a context option to specify the HTTP client used by
// Route.Fetch for out-of-band requests.
func WithHTTPClient(client *http.Client) ContextOption {
	return func(c *BrowserContext) { c.httpClient = client }
}

// NewBrowserContext creates a browser context bound to the given transport.
func NewBrowserContext(transport NetworkTransport, opts ...ContextOption) *BrowserContext {
	ctx, cancel := context.WithCancel(context.Background())
	c := &BrowserContext{
		transport:  transport,
		routes:     newRouteRegistry(),
		wsRoutes:   newRouteRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
		httpClient: http.DefaultClient,
		pages:      make(map[*Page]struct{}),
		sessions:   make(map[*WebSocketRoute]struct{}),
		logf:       log.Printf,
	}
	for _, o := range opts {
		o(c)
	}
	if c.errf == nil {
		c.errf = func(s string, v ...interface{}) { c.logf("ERROR: "+s, v...) }
	}
	if c.dbgf == nil {
		c.dbgf = func(string, ...interface{}) {}
	}
	return c
}

// NewPage creates a page owned by this context. Page-scope routes are
// consulted before context-scope routes.
func (c *BrowserContext) NewPage() *Page {
	p := &Page{
		bctx:     c,
		routes:   newRouteRegistry(),
		wsRoutes: newRouteRegistry(),
		closed:   make(chan struct{}),
	}
	c.mu.Lock()
	c.pages[p] = struct{}{}
	c.mu.Unlock()
	return p
}

// Route registers a handler for requests matching the pattern at context
// scope. The pattern may be a glob string, a *regexp.Regexp, a
// func(string) bool predicate, or a URLMatcher.
func (c *BrowserContext) Route(pattern interface{}, handler RouteHandler, opts ...RouteOption) error {
	return registerRoute(c.routes, pattern, handler, nil, opts)
}

// RouteWebSocket registers a handler for WebSocket upgrade attempts matching
// the pattern at context scope.
func (c *BrowserContext) RouteWebSocket(pattern interface{}, handler WebSocketRouteHandler) error {
	return registerRoute(c.wsRoutes, pattern, nil, handler, nil)
}

// Unroute removes routes registered for the pattern at context scope. With a
// nil handler all entries for the pattern are removed; otherwise only the
// entry owning the given handler identity.
func (c *BrowserContext) Unroute(pattern interface{}, handler RouteHandler) error {
	return unregisterRoute(c.routes, pattern, handler)
}

// UnrouteAll removes all context-scope routes, including WebSocket routes.
func (c *BrowserContext) UnrouteAll() {
	c.routes.removeAll()
	c.wsRoutes.removeAll()
}

// Close closes the context: every page is closed, routing state is destroyed,
// pending exchanges observe ErrTargetClosed, and active WebSocket relays are
// terminated on both sides.
func (c *BrowserContext) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()

		c.mu.Lock()
		pages := make([]*Page, 0, len(c.pages))
		for p := range c.pages {
			pages = append(pages, p)
		}
		c.mu.Unlock()
		for _, p := range pages {
			p.Close()
		}

		c.closeSessions(nil)
		c.UnrouteAll()
	})
}

func (c *BrowserContext) trackSession(s *WebSocketRoute) {
	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.mu.Unlock()
}

func (c *BrowserContext) forgetSession(s *WebSocketRoute) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// closeSessions terminates active relays; a non-nil page restricts the sweep
// to sessions owned by that page.
func (c *BrowserContext) closeSessions(page *Page) {
	c.mu.Lock()
	var victims []*WebSocketRoute
	for s := range c.sessions {
		if page == nil || s.route.page == page {
			victims = append(victims, s)
		}
	}
	c.mu.Unlock()
	for _, s := range victims {
		s.shutdown()
	}
}

// Page is the per-page routing scope. Its routes are consulted before the
// owning context's on every dispatch.
type Page struct {
	bctx *BrowserContext

	routes   *routeRegistry
	wsRoutes *routeRegistry

	closed    chan struct{}
	closeOnce sync.Once
}

// Context returns the owning browser context.
func (p *Page) Context() *BrowserContext {
	return p.bctx
}

// Route registers a handler for requests matching the pattern at page scope.
func (p *Page) Route(pattern interface{}, handler RouteHandler, opts ...RouteOption) error {
	return registerRoute(p.routes, pattern, handler, nil, opts)
}

// RouteWebSocket registers a handler for WebSocket upgrade attempts matching
// the pattern at page scope.
func (p *Page) RouteWebSocket(pattern interface{}, handler WebSocketRouteHandler) error {
	return registerRoute(p.wsRoutes, pattern, nil, handler, nil)
}

// Unroute removes routes registered for the pattern at page scope. With a nil
// handler all entries for the pattern are removed; otherwise only the entry
// owning the given handler identity.
func (p *Page) Unroute(pattern interface{}, handler RouteHandler) error {
	return unregisterRoute(p.routes, pattern, handler)
}

// UnrouteAll removes all page-scope routes, including WebSocket routes.
func (p *Page) UnrouteAll() {
	p.routes.removeAll()
	p.wsRoutes.removeAll()
}

// Close closes the page: its routing state is destroyed, pending exchanges
// observe ErrTargetClosed, and its WebSocket relays are terminated.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.bctx.closeSessions(p)
		p.UnrouteAll()

		p.bctx.mu.Lock()
		delete(p.bctx.pages, p)
		p.bctx.mu.Unlock()
	})
}

// RouteOption is a route registration option.
type RouteOption func(*routeEntry)

// WithTimes bounds how often the route may be invoked; once exhausted the
// entry stops matching and is pruned from its registry.
func WithTimes(n int) RouteOption {
	return func(e *routeEntry) { e.remaining = n }
}

func registerRoute(reg *routeRegistry, pattern interface{}, handler RouteHandler, wsHandler WebSocketRouteHandler, opts []RouteOption) error {
	m, err := compileMatcher(pattern)
	if err != nil {
		return err
	}
	e := &routeEntry{
		matcher:   m,
		handler:   handler,
		wsHandler: wsHandler,
		remaining: -1,
	}
	if handler != nil {
		e.handlerID = handlerID(handler)
	} else {
		e.handlerID = handlerID(wsHandler)
	}
	for _, o := range opts {
		o(e)
	}
	reg.add(e)
	return nil
}

func unregisterRoute(reg *routeRegistry, pattern interface{}, handler RouteHandler) error {
	m, err := compileMatcher(pattern)
	if err != nil {
		return err
	}
	var id uintptr
	if handler != nil {
		id = handlerID(handler)
	}
	reg.remove(m, id)
	return nil
}
