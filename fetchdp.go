package routedp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ackTimeout bounds each acknowledgment command sent back to the browser.
const ackTimeout = 10 * time.Second

// FetchDriver is the CDP-backed NetworkTransport: it auto-attaches to page
// targets, enables the Fetch domain, converts Fetch.requestPaused events into
// exchanges dispatched to a BrowserContext, and translates continuation
// outcomes back into Fetch domain commands.
//
// Routed WebSocket upgrades are carried by a local relay endpoint: the paused
// handshake is continued with its URL rewritten to the relay, whose accepted
// connection becomes the synthetic page-side socket, while the real upstream
// socket is dialed directly.
type FetchDriver struct {
	browser *Browser
	bctx    *BrowserContext

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pages     map[target.SessionID]*Page
	exchanges map[ExchangeID]target.SessionID

	relayOnce sync.Once
	relayErr  error
	relay     *wsRelay
}

// NewFetchDriver creates a driver on top of an established browser
// connection.
func NewFetchDriver(b *Browser) *FetchDriver {
	return &FetchDriver{
		browser:   b,
		pages:     make(map[target.SessionID]*Page),
		exchanges: make(map[ExchangeID]target.SessionID),
	}
}

// Run binds the driver to a browser context and starts interception: page
// targets are auto-attached and every paused request is dispatched. Run
// returns once interception is set up; events flow until ctx is cancelled or
// the context is closed.
func (d *FetchDriver) Run(ctx context.Context, bctx *BrowserContext) error {
	d.bctx = bctx
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.browser.Listen(d.onMessage)

	err := target.SetAutoAttach(true, false).
		WithFlatten(true).
		Do(cdp.WithExecutor(d.ctx, d.browser))
	if err != nil {
		return fmt.Errorf("enabling auto-attach: %w", err)
	}
	return nil
}

// Stop detaches the driver; active exchanges are abandoned to the browser.
func (d *FetchDriver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.relay != nil {
		d.relay.close()
	}
}

func (d *FetchDriver) onMessage(sessionID target.SessionID, msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
			return
		}
		d.bctx.errf("could not unmarshal event: %v", err)
		return
	}

	switch ev := ev.(type) {
	case *target.EventAttachedToTarget:
		d.onAttached(ev)
	case *target.EventDetachedFromTarget:
		d.onDetached(ev)
	case *fetch.EventRequestPaused:
		d.onRequestPaused(sessionID, ev)
	}
}

func (d *FetchDriver) onAttached(ev *target.EventAttachedToTarget) {
	if ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	p := d.bctx.NewPage()
	d.mu.Lock()
	d.pages[ev.SessionID] = p
	d.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, ackTimeout)
		defer cancel()
		err := fetch.Enable().
			WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
			Do(cdp.WithExecutor(ctx, d.browser.Session(ev.SessionID)))
		if err != nil {
			d.bctx.errf("enabling fetch on session %s: %v", ev.SessionID, err)
		}
	}()
}

func (d *FetchDriver) onDetached(ev *target.EventDetachedFromTarget) {
	d.mu.Lock()
	p := d.pages[ev.SessionID]
	delete(d.pages, ev.SessionID)
	d.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

func (d *FetchDriver) onRequestPaused(sessionID target.SessionID, ev *fetch.EventRequestPaused) {
	if ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != "" {
		// Response-stage pause; not subscribed, but be safe and release it.
		d.continueRaw(sessionID, ev.RequestID)
		return
	}

	id := ExchangeID(ev.RequestID)
	d.mu.Lock()
	d.exchanges[id] = sessionID
	page := d.pages[sessionID]
	d.mu.Unlock()

	req := &Request{
		Method:       ev.Request.Method,
		URL:          ev.Request.URL + ev.Request.URLFragment,
		Header:       networkHeaders(ev.Request.Headers),
		ResourceType: string(ev.ResourceType),
		FrameID:      string(ev.FrameID),
	}
	if ev.Request.HasPostData {
		req.Body = []byte(ev.Request.PostData)
	}

	kind := ExchangeRequest
	if ev.ResourceType == network.ResourceTypeWebSocket ||
		strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		kind = ExchangeWebSocketUpgrade
	}

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.exchanges, id)
			d.mu.Unlock()
		}()
		err := d.bctx.DispatchExchange(&ExchangeEvent{
			ID:      id,
			Kind:    kind,
			Request: req,
			Page:    page,
		})
		if err != nil {
			d.bctx.errf("exchange %s (%s %s): %v", id, req.Method, req.URL, err)
		}
	}()
}

func (d *FetchDriver) session(id ExchangeID) *Session {
	d.mu.Lock()
	sid := d.exchanges[id]
	d.mu.Unlock()
	return d.browser.Session(sid)
}

func (d *FetchDriver) continueRaw(sessionID target.SessionID, id fetch.RequestID) {
	ctx, cancel := context.WithTimeout(d.ctx, ackTimeout)
	defer cancel()
	if err := fetch.ContinueRequest(id).Do(cdp.WithExecutor(ctx, d.browser.Session(sessionID))); err != nil {
		d.bctx.errf("continuing request %s: %v", id, err)
	}
}

// ContinueRequest implements NetworkTransport.
func (d *FetchDriver) ContinueRequest(id ExchangeID, overrides *ContinueOverrides) error {
	action := fetch.ContinueRequest(fetch.RequestID(id))
	if overrides != nil {
		if overrides.URL != "" {
			action = action.WithURL(overrides.URL)
		}
		if overrides.Method != "" {
			action = action.WithMethod(overrides.Method)
		}
		if overrides.Header != nil {
			action = action.WithHeaders(toHeaderEntries(overrides.Header))
		}
		if overrides.SetPostData {
			action = action.WithPostData(base64.StdEncoding.EncodeToString(overrides.PostData))
		}
	}
	ctx, cancel := context.WithTimeout(d.ctx, ackTimeout)
	defer cancel()
	return action.Do(cdp.WithExecutor(ctx, d.session(id)))
}

// FulfillRequest implements NetworkTransport.
func (d *FetchDriver) FulfillRequest(id ExchangeID, response *SyntheticResponse) error {
	headers := response.Header
	if headers.Get("Content-Length") == "" {
		headers = cloneHeader(headers)
		headers.Set("Content-Length", strconv.Itoa(len(response.Body)))
	}
	action := fetch.FulfillRequest(fetch.RequestID(id), int64(response.Status)).
		WithResponseHeaders(toHeaderEntries(headers))
	if len(response.Body) > 0 {
		action = action.WithBody(base64.StdEncoding.EncodeToString(response.Body))
	}
	ctx, cancel := context.WithTimeout(d.ctx, ackTimeout)
	defer cancel()
	return action.Do(cdp.WithExecutor(ctx, d.session(id)))
}

// errorReasons maps the engine's abort vocabulary onto protocol error
// reasons.
var errorReasons = map[string]network.ErrorReason{
	"aborted":              network.ErrorReasonAborted,
	"accessdenied":         network.ErrorReasonAccessDenied,
	"addressunreachable":   network.ErrorReasonAddressUnreachable,
	"blockedbyclient":      network.ErrorReasonBlockedByClient,
	"blockedbyresponse":    network.ErrorReasonBlockedByResponse,
	"connectionaborted":    network.ErrorReasonConnectionAborted,
	"connectionclosed":     network.ErrorReasonConnectionClosed,
	"connectionfailed":     network.ErrorReasonConnectionFailed,
	"connectionrefused":    network.ErrorReasonConnectionRefused,
	"connectionreset":      network.ErrorReasonConnectionReset,
	"internetdisconnected": network.ErrorReasonInternetDisconnected,
	"namenotresolved":      network.ErrorReasonNameNotResolved,
	"timedout":             network.ErrorReasonTimedOut,
	"failed":               network.ErrorReasonFailed,
}

// AbortRequest implements NetworkTransport.
func (d *FetchDriver) AbortRequest(id ExchangeID, reason string) error {
	errorReason, ok := errorReasons[reason]
	if !ok {
		errorReason = network.ErrorReasonFailed
	}
	ctx, cancel := context.WithTimeout(d.ctx, ackTimeout)
	defer cancel()
	return fetch.FailRequest(fetch.RequestID(id), errorReason).
		Do(cdp.WithExecutor(ctx, d.session(id)))
}

// ContinueWebSocket implements NetworkTransport: the real connection proceeds
// untouched.
func (d *FetchDriver) ContinueWebSocket(id ExchangeID) error {
	return d.ContinueRequest(id, nil)
}

// AcceptWebSocket implements NetworkTransport: the handshake is continued
// against the local relay endpoint and the accepted connection becomes the
// page-side socket.
//
// The relay speaks plain ws even for intercepted wss upgrades: it binds
// loopback only, which browsers treat as a trustworthy origin, so secure
// pages may connect without tripping mixed-content blocking. TLS stays on
// the upstream leg, where ConnectWebSocket dials the original wss URL.
func (d *FetchDriver) AcceptWebSocket(id ExchangeID) (FrameConn, error) {
	d.relayOnce.Do(func() {
		d.relay, d.relayErr = newWSRelay()
	})
	if d.relayErr != nil {
		return nil, d.relayErr
	}

	token := uuid.NewString()
	accepted := d.relay.expect(token)
	defer d.relay.forget(token)

	urlstr := "ws://" + d.relay.addr + "/" + token
	if err := d.ContinueRequest(id, &ContinueOverrides{URL: urlstr}); err != nil {
		return nil, err
	}

	select {
	case conn := <-accepted:
		return newGorillaFrameConn(conn), nil
	case <-d.ctx.Done():
		return nil, ErrTargetClosed
	case <-time.After(ackTimeout):
		return nil, fmt.Errorf("websocket %s: page never reached the relay", id)
	}
}

// ConnectWebSocket implements NetworkTransport: the real upstream socket is
// dialed directly.
func (d *FetchDriver) ConnectWebSocket(id ExchangeID, urlstr string, header http.Header) (FrameConn, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
	conn, _, err := dialer.DialContext(d.ctx, urlstr, ForwardableWebSocketHeader(header))
	if err != nil {
		return nil, err
	}
	return newGorillaFrameConn(conn), nil
}

func networkHeaders(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			// Multi-valued headers arrive newline-joined.
			for _, part := range strings.Split(s, "\n") {
				out.Add(k, part)
			}
		}
	}
	return out
}

func toHeaderEntries(h http.Header) []*fetch.HeaderEntry {
	var out []*fetch.HeaderEntry
	for k, vs := range h {
		for _, v := range vs {
			out = append(out, &fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return out
}

// wsRelay is the local endpoint standing in for routed WebSocket peers. Each
// expected session is keyed by a one-time token in the URL path. It listens
// on loopback exclusively; it must never be reachable off-host, and loopback
// is what lets secure pages connect to it over plain ws.
type wsRelay struct {
	addr   string
	server *http.Server

	mu      sync.Mutex
	pending map[string]chan *websocket.Conn
}

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  DefaultReadBufferSize,
	WriteBufferSize: DefaultWriteBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func newWSRelay() (*wsRelay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	r := &wsRelay{
		addr:    ln.Addr().String(),
		pending: make(map[string]chan *websocket.Conn),
	}
	r.server = &http.Server{Handler: http.HandlerFunc(r.handle)}
	go r.server.Serve(ln)
	return r, nil
}

func (r *wsRelay) handle(w http.ResponseWriter, req *http.Request) {
	token := path.Base(req.URL.Path)
	r.mu.Lock()
	ch := r.pending[token]
	delete(r.pending, token)
	r.mu.Unlock()
	if ch == nil {
		http.NotFound(w, req)
		return
	}
	conn, err := relayUpgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	ch <- conn
}

func (r *wsRelay) expect(token string) <-chan *websocket.Conn {
	ch := make(chan *websocket.Conn, 1)
	r.mu.Lock()
	r.pending[token] = ch
	r.mu.Unlock()
	return ch
}

func (r *wsRelay) forget(token string) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

func (r *wsRelay) close() {
	r.server.Close()
}

// gorillaFrameConn adapts a gorilla/websocket connection to FrameConn.
// Writes may come from the relay pump and a handler concurrently and are
// serialized.
type gorillaFrameConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newGorillaFrameConn(conn *websocket.Conn) *gorillaFrameConn {
	return &gorillaFrameConn{conn: conn}
}

func (c *gorillaFrameConn) ReadFrame() (*WebSocketFrame, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return nil, &WebSocketCloseError{Code: ce.Code, Reason: ce.Text, Clean: true}
			}
			return nil, &WebSocketCloseError{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
		}
		switch mt {
		case websocket.TextMessage:
			return &WebSocketFrame{Data: data}, nil
		case websocket.BinaryMessage:
			return &WebSocketFrame{Binary: true, Data: data}, nil
		}
	}
}

func (c *gorillaFrameConn) WriteFrame(frame *WebSocketFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	mt := websocket.TextMessage
	if frame.Binary {
		mt = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(mt, frame.Data)
}

func (c *gorillaFrameConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	return c.conn.Close()
}
