package routedp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
)

// RouteHandler is invoked for every intercepted request matching the route's
// pattern. The handler resolves the exchange by calling exactly one of
// Continue, Fulfill or Abort, or declines it with Fallback; an error returned
// by the handler propagates to the caller that triggered the request without
// resolving the exchange.
type RouteHandler func(route *Route) error

// Route states. An exchange transitions from routePending to routeResolved
// exactly once; the losing side of a racing second transition observes
// ErrAlreadyHandled.
const (
	routePending int32 = iota
	routeResolved
)

// Route is the continuation controller for one intercepted exchange. It is
// passed into route handlers and exposes the continuation operations; each
// terminal operation resolves the pending network event exactly once.
type Route struct {
	id      ExchangeID
	request *Request

	bctx *BrowserContext
	page *Page

	state int32

	// overrides accumulated by Fallback calls, observed by later handlers in
	// the chain and merged into the final continue.
	overrides *ContinueOverrides

	// fellBack is set by Fallback and read by the dispatcher after the
	// handler returns; both run on the dispatch goroutine.
	fellBack bool
}

// Request returns the request descriptor of the exchange, including any
// overrides accumulated from handlers that fell back.
func (r *Route) Request() *Request {
	return r.overrides.apply(r.request)
}

// Resolved reports whether a terminal continuation has been applied.
func (r *Route) Resolved() bool {
	return atomic.LoadInt32(&r.state) == routeResolved
}

func (r *Route) resolve() bool {
	return atomic.CompareAndSwapInt32(&r.state, routePending, routeResolved)
}

func (r *Route) checkClosed() error {
	if r.page != nil {
		select {
		case <-r.page.closed:
			return ErrTargetClosed
		default:
		}
	}
	select {
	case <-r.bctx.closed:
		return ErrTargetClosed
	default:
	}
	return nil
}

// ContinueOption overrides a request field before it proceeds with the real
// network stack.
type ContinueOption func(*ContinueOverrides)

// ContinueURL rewrites the request URL. The new URL must keep the original
// URL's scheme.
func ContinueURL(urlstr string) ContinueOption {
	return func(o *ContinueOverrides) { o.URL = urlstr }
}

// ContinueMethod rewrites the request method.
func ContinueMethod(method string) ContinueOption {
	return func(o *ContinueOverrides) { o.Method = method }
}

// ContinueHeader replaces the request headers.
func ContinueHeader(h http.Header) ContinueOption {
	return func(o *ContinueOverrides) { o.Header = cloneHeader(h) }
}

// ContinuePostData replaces the request body. An empty (non-nil or nil) value
// clears an otherwise non-empty body.
func ContinuePostData(body []byte) ContinueOption {
	return func(o *ContinueOverrides) {
		o.PostData = append([]byte(nil), body...)
		o.SetPostData = true
	}
}

func buildOverrides(opts []ContinueOption) *ContinueOverrides {
	o := &ContinueOverrides{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// mergeOverrides layers next on top of prev.
func mergeOverrides(prev, next *ContinueOverrides) *ContinueOverrides {
	if prev.empty() {
		return next
	}
	out := *prev
	if next.URL != "" {
		out.URL = next.URL
	}
	if next.Method != "" {
		out.Method = next.Method
	}
	if next.Header != nil {
		out.Header = next.Header
	}
	if next.SetPostData {
		out.PostData = next.PostData
		out.SetPostData = true
	}
	return &out
}

func (r *Route) checkScheme(ov *ContinueOverrides) error {
	if ov.URL == "" {
		return nil
	}
	orig, err := url.Parse(r.request.URL)
	if err != nil {
		return fmt.Errorf("parsing original URL: %w", err)
	}
	next, err := url.Parse(ov.URL)
	if err != nil {
		return fmt.Errorf("parsing override URL: %w", err)
	}
	if next.Scheme != orig.Scheme {
		return ErrSchemeChanged
	}
	return nil
}

// Continue resolves the exchange by sending the request to the network,
// merged with any overrides.
func (r *Route) Continue(opts ...ContinueOption) error {
	ov := mergeOverrides(r.overrides, buildOverrides(opts))
	// Malformed overrides are rejected before any network action and before
	// the exchange is consumed, so the handler may correct and retry.
	if err := r.checkScheme(ov); err != nil {
		return err
	}
	if err := r.checkClosed(); err != nil {
		return err
	}
	if !r.resolve() {
		return ErrAlreadyHandled
	}
	return r.bctx.transport.ContinueRequest(r.id, ov)
}

// continueImplicit resolves an exchange no handler claimed; the request
// proceeds unmodified apart from overrides accumulated via Fallback.
func (r *Route) continueImplicit() error {
	if err := r.checkClosed(); err != nil {
		return err
	}
	if !r.resolve() {
		return nil
	}
	return r.bctx.transport.ContinueRequest(r.id, r.overrides)
}

// FulfillOption sets a field of the synthetic response delivered by Fulfill.
type FulfillOption func(*fulfillSpec)

type fulfillSpec struct {
	base        *FetchedResponse
	status      int
	header      http.Header
	extraHeader http.Header
	body        []byte
	setBody     bool
	contentType string
}

// FulfillResponse uses a previously fetched response as the base of the
// synthetic response; other options layer on top of it.
func FulfillResponse(resp *FetchedResponse) FulfillOption {
	return func(f *fulfillSpec) { f.base = resp }
}

// FulfillStatus sets the response status code.
func FulfillStatus(status int) FulfillOption {
	return func(f *fulfillSpec) { f.status = status }
}

// FulfillHeader replaces the response headers.
func FulfillHeader(h http.Header) FulfillOption {
	return func(f *fulfillSpec) { f.header = cloneHeader(h) }
}

// FulfillSetHeader adds a single response header, preserving repeated entries
// for multi-valued headers such as Set-Cookie.
func FulfillSetHeader(name, value string) FulfillOption {
	return func(f *fulfillSpec) {
		if f.extraHeader == nil {
			f.extraHeader = make(http.Header)
		}
		f.extraHeader.Add(name, value)
	}
}

// FulfillBody sets the response body.
func FulfillBody(body []byte) FulfillOption {
	return func(f *fulfillSpec) {
		f.body = append([]byte(nil), body...)
		f.setBody = true
	}
}

// FulfillBodyText sets the response body from a string.
func FulfillBodyText(body string) FulfillOption {
	return FulfillBody([]byte(body))
}

// FulfillContentType sets the Content-Type response header.
func FulfillContentType(contentType string) FulfillOption {
	return func(f *fulfillSpec) { f.contentType = contentType }
}

func (f *fulfillSpec) assemble() *SyntheticResponse {
	resp := &SyntheticResponse{Status: http.StatusOK, Header: make(http.Header)}
	if f.base != nil {
		resp.Status = f.base.Status
		resp.Header = cloneHeader(f.base.Header)
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		resp.Body = append([]byte(nil), f.base.Body...)
	}
	if f.status != 0 {
		resp.Status = f.status
	}
	if f.header != nil {
		resp.Header = f.header
	}
	for k, vs := range f.extraHeader {
		for _, v := range vs {
			resp.Header.Add(k, v)
		}
	}
	if f.setBody {
		resp.Body = f.body
	}
	if f.contentType != "" {
		resp.Header.Set("Content-Type", f.contentType)
	}
	return resp
}

// Fulfill resolves the exchange with a synthetic response, bypassing the real
// network.
func (r *Route) Fulfill(opts ...FulfillOption) error {
	spec := &fulfillSpec{}
	for _, opt := range opts {
		opt(spec)
	}
	if err := r.checkClosed(); err != nil {
		return err
	}
	if !r.resolve() {
		return ErrAlreadyHandled
	}
	return r.bctx.transport.FulfillRequest(r.id, spec.assemble())
}

// abortReasons is the network error vocabulary accepted by Abort.
var abortReasons = map[string]bool{
	"aborted":              true,
	"accessdenied":         true,
	"addressunreachable":   true,
	"blockedbyclient":      true,
	"blockedbyresponse":    true,
	"connectionaborted":    true,
	"connectionclosed":     true,
	"connectionfailed":     true,
	"connectionrefused":    true,
	"connectionreset":      true,
	"internetdisconnected": true,
	"namenotresolved":      true,
	"timedout":             true,
	"failed":               true,
}

// Abort resolves the exchange by failing the request with a network-level
// error visible to the page. An empty reason defaults to "failed".
func (r *Route) Abort(reason string) error {
	if reason == "" {
		reason = "failed"
	}
	if !abortReasons[reason] {
		return fmt.Errorf("%w: %q", ErrInvalidAbortReason, reason)
	}
	if err := r.checkClosed(); err != nil {
		return err
	}
	if !r.resolve() {
		return ErrAlreadyHandled
	}
	return r.bctx.transport.AbortRequest(r.id, reason)
}

// Fallback declines the exchange, passing control to the next matching route
// in the merged order (remaining page-scope entries, then context scope).
// Overrides are remembered: later handlers observe them through
// Route.Request, and they apply to the final continue.
func (r *Route) Fallback(opts ...ContinueOption) error {
	if r.Resolved() {
		return ErrAlreadyHandled
	}
	ov := buildOverrides(opts)
	if err := r.checkScheme(ov); err != nil {
		return err
	}
	r.overrides = mergeOverrides(r.overrides, ov)
	r.fellBack = true
	return nil
}

// Fetch performs the route's request out-of-band, without resolving the
// exchange, so the handler can inspect or transform the result before calling
// Fulfill. Overrides apply to the fetched request only.
func (r *Route) Fetch(opts ...ContinueOption) (*FetchedResponse, error) {
	ov := mergeOverrides(r.overrides, buildOverrides(opts))
	if err := r.checkScheme(ov); err != nil {
		return nil, err
	}
	if err := r.checkClosed(); err != nil {
		return nil, err
	}
	eff := ov.apply(r.request)

	var body io.Reader
	if len(eff.Body) > 0 {
		body = bytes.NewReader(eff.Body)
	}
	req, err := http.NewRequestWithContext(r.bctx.ctx, eff.Method, eff.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range eff.Header {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	resp, err := r.bctx.httpClient.Do(req)
	if err != nil {
		if r.checkClosed() != nil {
			return nil, ErrTargetClosed
		}
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if r.checkClosed() != nil {
			return nil, ErrTargetClosed
		}
		return nil, err
	}
	return &FetchedResponse{
		URL:    eff.URL,
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   data,
	}, nil
}
