// Package routedp intercepts, inspects and rewrites the network exchanges a
// controlled browser page or browser context makes, before the underlying
// network stack completes them.
//
// Routes are registered at two scopes with glob, regexp or predicate URL
// patterns; on every outgoing request the page-scope routes are consulted
// before the context scope, most recently registered first, and the chosen
// handler resolves the exchange exactly once by continuing it (optionally
// with overrides), fulfilling it with a synthetic response, or aborting it.
// WebSocket upgrades can be routed the same way, with an optional
// connect-through relay that mirrors frames between the page and the real
// server until a handler takes over a direction.
//
// The engine is transport-agnostic; FetchDriver provides the Chrome DevTools
// Protocol implementation on top of the Fetch domain.
package routedp
