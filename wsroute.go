package routedp

import (
	"errors"
	"net/http"
	"sync"
)

// WebSocketRouteHandler is invoked when a WebSocket upgrade matches a route
// registered via RouteWebSocket. The handler decides, before returning,
// whether the session is mocked (no upstream) or connected through to the
// real server, and may attach per-side frame listeners. No frame is delivered
// until the handler returns.
type WebSocketRouteHandler func(route *WebSocketRoute) error

// wsCloseCodeGoingAway is sent to both sides when the owning page or context
// closes while a relay is active.
const wsCloseCodeGoingAway = 1001

// WebSocketRoute is the session handed to a WebSocket route handler, bound to
// the synthetic page-side socket. Until ConnectToServer is called the session
// is mocked: frames from the page reach the OnMessage listener (or are
// dropped) and only explicit sends reach the page. After ConnectToServer the
// session is in pass-through mode: frames on either side are mirrored to the
// other verbatim, except on sides where a listener took over.
type WebSocketRoute struct {
	route  *Route
	client *WebSocketEndpoint

	mu      sync.Mutex
	server  *WebSocketEndpoint
	started bool
	ended   bool
}

func newWebSocketRoute(r *Route, client FrameConn) *WebSocketRoute {
	ws := &WebSocketRoute{route: r}
	ws.client = &WebSocketEndpoint{ws: ws, conn: client, name: "client"}
	return ws
}

// URL returns the URL of the intercepted upgrade request.
func (ws *WebSocketRoute) URL() string {
	return ws.route.request.URL
}

// ConnectToServer opens the real upstream socket and returns its endpoint.
// Frames then flow in both directions by default. Calling it twice is an
// error.
func (ws *WebSocketRoute) ConnectToServer() (*WebSocketEndpoint, error) {
	if err := ws.route.checkClosed(); err != nil {
		return nil, err
	}
	ws.mu.Lock()
	if ws.server != nil {
		ws.mu.Unlock()
		return nil, errors.New("already connected to the server")
	}
	ws.mu.Unlock()

	conn, err := ws.route.bctx.transport.ConnectWebSocket(ws.route.id, ws.route.request.URL, cloneHeader(ws.route.request.Header))
	if err != nil {
		return nil, err
	}
	server := &WebSocketEndpoint{ws: ws, conn: conn, name: "server"}
	server.setPeer(ws.client)

	ws.mu.Lock()
	ws.server = server
	started := ws.started
	ws.mu.Unlock()

	// The client pump may already be running; its per-frame peer read takes
	// the endpoint lock, so publishing through it is what makes a late
	// connect visible.
	ws.client.setPeer(server)

	// ConnectToServer normally happens inside the handler, before frames are
	// pumped; if it happens later, the new side needs its own pump.
	if started {
		go server.pump()
	}
	return server, nil
}

// SendText sends a text frame to the page.
func (ws *WebSocketRoute) SendText(text string) error {
	return ws.client.SendText(text)
}

// SendBinary sends a binary frame to the page.
func (ws *WebSocketRoute) SendBinary(data []byte) error {
	return ws.client.SendBinary(data)
}

// OnMessage attaches a listener for frames sent by the page. Attaching it
// disables default forwarding of page frames to the server; the listener must
// re-send explicitly to keep pass-through semantics.
func (ws *WebSocketRoute) OnMessage(f func(frame *WebSocketFrame)) {
	ws.client.OnMessage(f)
}

// OnClose attaches a listener for a close initiated by the page. Attaching it
// makes close propagation to the server the listener's responsibility.
func (ws *WebSocketRoute) OnClose(f func(code int, reason string, clean bool)) {
	ws.client.OnClose(f)
}

// Close closes the page-side socket with the given code and reason.
func (ws *WebSocketRoute) Close(code int, reason string) error {
	return ws.client.Close(code, reason)
}

// start begins pumping frames on both existing sides. Called by the
// dispatcher once the handler returned.
func (ws *WebSocketRoute) start() {
	ws.mu.Lock()
	if ws.started || ws.ended {
		ws.mu.Unlock()
		return
	}
	ws.started = true
	server := ws.server
	ws.mu.Unlock()

	go ws.client.pump()
	if server != nil {
		go server.pump()
	}
}

// shutdown force-closes both sides; used when the owning page or context
// closes, or when the handler returned an error.
func (ws *WebSocketRoute) shutdown() {
	ws.mu.Lock()
	server := ws.server
	ws.mu.Unlock()
	ws.client.shutdown(wsCloseCodeGoingAway, "target closed")
	if server != nil {
		server.shutdown(wsCloseCodeGoingAway, "target closed")
	}
	ws.endSession()
}

// sideClosed records that one side finished; when no side remains open the
// session is destroyed.
func (ws *WebSocketRoute) sideClosed() {
	ws.mu.Lock()
	open := !ws.client.isClosed()
	if ws.server != nil && !ws.server.isClosed() {
		open = true
	}
	ws.mu.Unlock()
	if !open {
		ws.endSession()
	}
}

func (ws *WebSocketRoute) endSession() {
	ws.mu.Lock()
	ended := ws.ended
	ws.ended = true
	ws.mu.Unlock()
	if !ended {
		ws.route.bctx.forgetSession(ws)
	}
}

// WebSocketEndpoint is one side of a routed WebSocket session: the synthetic
// socket connected to the page, or the real socket connected to the upstream
// server.
type WebSocketEndpoint struct {
	ws   *WebSocketRoute
	conn FrameConn
	name string

	mu        sync.Mutex
	peer      *WebSocketEndpoint
	onMessage func(frame *WebSocketFrame)
	onClose   func(code int, reason string, clean bool)
	closed    bool
}

// SendText sends a text frame to this endpoint.
func (e *WebSocketEndpoint) SendText(text string) error {
	return e.send(&WebSocketFrame{Data: []byte(text)})
}

// SendBinary sends a binary frame to this endpoint.
func (e *WebSocketEndpoint) SendBinary(data []byte) error {
	return e.send(&WebSocketFrame{Binary: true, Data: data})
}

// Send sends a frame to this endpoint, preserving its framing.
func (e *WebSocketEndpoint) Send(frame *WebSocketFrame) error {
	return e.send(frame)
}

func (e *WebSocketEndpoint) send(frame *WebSocketFrame) error {
	if err := e.ws.route.checkClosed(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return &WebSocketCloseError{Code: wsCloseCodeGoingAway, Reason: "endpoint closed"}
	}
	return e.conn.WriteFrame(frame)
}

func (e *WebSocketEndpoint) setPeer(p *WebSocketEndpoint) {
	e.mu.Lock()
	e.peer = p
	e.mu.Unlock()
}

// OnMessage attaches a listener for frames arriving from this endpoint,
// disabling default auto-forwarding for this side only.
func (e *WebSocketEndpoint) OnMessage(f func(frame *WebSocketFrame)) {
	e.mu.Lock()
	e.onMessage = f
	e.mu.Unlock()
}

// OnClose attaches a listener for a close arriving from this endpoint,
// disabling default close propagation for this side only.
func (e *WebSocketEndpoint) OnClose(f func(code int, reason string, clean bool)) {
	e.mu.Lock()
	e.onClose = f
	e.mu.Unlock()
}

// Close closes this endpoint's socket with the given code and reason.
func (e *WebSocketEndpoint) Close(code int, reason string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	err := e.conn.Close(code, reason)
	e.ws.sideClosed()
	return err
}

func (e *WebSocketEndpoint) shutdown(code int, reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.conn.Close(code, reason)
}

func (e *WebSocketEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// pump reads frames from this endpoint until it closes, delivering each to
// the attached listener or, by default, mirroring it verbatim to the peer.
func (e *WebSocketEndpoint) pump() {
	for {
		frame, err := e.conn.ReadFrame()
		if err != nil {
			code, reason, clean := 1005, "", false
			var ce *WebSocketCloseError
			if errors.As(err, &ce) {
				code, reason, clean = ce.Code, ce.Reason, ce.Clean
			}
			e.handleClose(code, reason, clean)
			return
		}

		e.mu.Lock()
		h := e.onMessage
		peer := e.peer
		e.mu.Unlock()

		switch {
		case h != nil:
			h(frame)
		case peer != nil:
			if err := peer.conn.WriteFrame(frame); err != nil {
				e.ws.route.bctx.errf("ws relay %s: forward to %s: %v", e.ws.route.id, peer.name, err)
			}
		default:
			// mocked session without a listener; the frame is dropped
		}
	}
}

func (e *WebSocketEndpoint) handleClose(code int, reason string, clean bool) {
	e.mu.Lock()
	h := e.onClose
	peer := e.peer
	alreadyClosed := e.closed
	e.closed = true
	e.mu.Unlock()

	if !alreadyClosed {
		// Release this side's own socket; on unclean termination the
		// underlying connection may still hold its descriptor.
		e.conn.Close(code, reason)
		switch {
		case h != nil:
			h(code, reason, clean)
		case peer != nil:
			peer.Close(code, reason)
		}
	}
	e.ws.sideClosed()
}

// header subset forwarded when dialing the real server on behalf of a routed
// upgrade; hop-by-hop and handshake headers are owned by the dialer.
var wsForwardedHeaders = []string{
	"Cookie",
	"Authorization",
	"User-Agent",
	"Origin",
	"Sec-WebSocket-Protocol",
}

// ForwardableWebSocketHeader filters an upgrade request's headers down to the
// subset a transport should forward when opening the real upstream socket.
func ForwardableWebSocketHeader(h http.Header) http.Header {
	out := make(http.Header)
	for _, k := range wsForwardedHeaders {
		for _, v := range h.Values(k) {
			out.Add(k, v)
		}
	}
	return out
}
