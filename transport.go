package routedp

import (
	"net/http"
)

// ExchangeID identifies one intercepted network exchange (an HTTP request or
// a WebSocket upgrade attempt) on the browser control transport.
type ExchangeID string

// ExchangeKind is the kind of an intercepted exchange.
type ExchangeKind int

// ExchangeKind values.
const (
	ExchangeRequest ExchangeKind = iota
	ExchangeWebSocketUpgrade
)

// Request is the immutable descriptor of an intercepted request, as parsed by
// the browser's network layer. FrameID is empty for requests not tied to a
// navigable frame (e.g. a popup's main request observed before its frame
// exists).
type Request struct {
	Method       string
	URL          string
	Header       http.Header
	Body         []byte
	ResourceType string
	FrameID      string
}

func (r *Request) clone() *Request {
	c := *r
	c.Header = cloneHeader(r.Header)
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// ContinueOverrides carries the request fields a handler overrode before
// continuing with the real network stack. Zero values leave the original
// request field untouched; SetPostData distinguishes "replace the body with
// empty" from "keep the body".
type ContinueOverrides struct {
	URL         string
	Method      string
	Header      http.Header
	PostData    []byte
	SetPostData bool
}

func (o *ContinueOverrides) empty() bool {
	return o == nil || (o.URL == "" && o.Method == "" && o.Header == nil && !o.SetPostData)
}

// apply layers the overrides onto req, returning the effective request.
func (o *ContinueOverrides) apply(req *Request) *Request {
	out := req.clone()
	if o == nil {
		return out
	}
	if o.URL != "" {
		out.URL = o.URL
	}
	if o.Method != "" {
		out.Method = o.Method
	}
	if o.Header != nil {
		out.Header = cloneHeader(o.Header)
	}
	if o.SetPostData {
		out.Body = append([]byte(nil), o.PostData...)
	}
	return out
}

// SyntheticResponse is a response fabricated by a handler and delivered to the
// page as if the server had sent it. Header keys are case-insensitive and
// multi-valued headers are preserved as repeated entries (e.g. Set-Cookie).
type SyntheticResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// FetchedResponse is the result of performing a route's request out-of-band
// via Route.Fetch, usable as the base of a later Fulfill.
type FetchedResponse struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// WebSocketFrame is a single data frame of a routed WebSocket session. Text
// and binary framing is preserved end to end.
type WebSocketFrame struct {
	Binary bool
	Data   []byte
}

// FrameConn is one endpoint of a routed WebSocket session, either the
// synthetic page-side socket or the real server-side socket. ReadFrame blocks
// until a data frame arrives; a close from the peer is reported as a
// *WebSocketCloseError.
type FrameConn interface {
	ReadFrame() (*WebSocketFrame, error)
	WriteFrame(*WebSocketFrame) error
	Close(code int, reason string) error
}

// ExchangeEvent is one "request about to be sent" (or "WebSocket about to
// connect") notification delivered by the browser control transport. Page is
// nil for browser-context-level requests.
type ExchangeEvent struct {
	ID      ExchangeID
	Kind    ExchangeKind
	Request *Request
	Page    *Page
}

// NetworkTransport is the boundary to the browser's network layer. The engine
// consumes a stream of ExchangeEvents (delivered to
// BrowserContext.DispatchExchange) and acknowledges each exchange through
// exactly one of the calls below, all keyed by the exchange ID.
//
// For WebSocket upgrades, AcceptWebSocket commits to routing the session and
// yields the synthetic page-side endpoint, ContinueWebSocket lets the real
// connection proceed untouched, and ConnectWebSocket opens the real upstream
// socket on behalf of a handler.
type NetworkTransport interface {
	ContinueRequest(id ExchangeID, overrides *ContinueOverrides) error
	FulfillRequest(id ExchangeID, response *SyntheticResponse) error
	AbortRequest(id ExchangeID, reason string) error

	AcceptWebSocket(id ExchangeID) (FrameConn, error)
	ContinueWebSocket(id ExchangeID) error
	ConnectWebSocket(id ExchangeID, urlstr string, header http.Header) (FrameConn, error)
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
