package routedp

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

// testTransport is an in-memory NetworkTransport recording every
// acknowledgment the engine issues, standing in for the browser control
// transport.
type testTransport struct {
	mu        sync.Mutex
	continued map[ExchangeID]*ContinueOverrides
	fulfilled map[ExchangeID]*SyntheticResponse
	aborted   map[ExchangeID]string
	wsPassed  map[ExchangeID]bool
	accepted  map[ExchangeID]FrameConn

	// acceptConn is handed out on AcceptWebSocket.
	acceptConn FrameConn
	// connect is invoked on ConnectWebSocket.
	connect func(urlstr string, header http.Header) (FrameConn, error)

	nextID int64
}

func newTestTransport() *testTransport {
	return &testTransport{
		continued: make(map[ExchangeID]*ContinueOverrides),
		fulfilled: make(map[ExchangeID]*SyntheticResponse),
		aborted:   make(map[ExchangeID]string),
		wsPassed:  make(map[ExchangeID]bool),
		accepted:  make(map[ExchangeID]FrameConn),
	}
}

func (tr *testTransport) ContinueRequest(id ExchangeID, overrides *ContinueOverrides) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.continued[id] = overrides
	return nil
}

func (tr *testTransport) FulfillRequest(id ExchangeID, response *SyntheticResponse) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.fulfilled[id] = response
	return nil
}

func (tr *testTransport) AbortRequest(id ExchangeID, reason string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.aborted[id] = reason
	return nil
}

func (tr *testTransport) AcceptWebSocket(id ExchangeID) (FrameConn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.acceptConn == nil {
		return nil, fmt.Errorf("no accept conn configured")
	}
	tr.accepted[id] = tr.acceptConn
	return tr.acceptConn, nil
}

func (tr *testTransport) ContinueWebSocket(id ExchangeID) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.wsPassed[id] = true
	return nil
}

func (tr *testTransport) ConnectWebSocket(id ExchangeID, urlstr string, header http.Header) (FrameConn, error) {
	if tr.connect == nil {
		return nil, fmt.Errorf("no connect func configured")
	}
	return tr.connect(urlstr, header)
}

func (tr *testTransport) continuedWith(id ExchangeID) (*ContinueOverrides, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ov, ok := tr.continued[id]
	return ov, ok
}

func (tr *testTransport) fulfilledWith(id ExchangeID) (*SyntheticResponse, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	resp, ok := tr.fulfilled[id]
	return resp, ok
}

func (tr *testTransport) abortedWith(id ExchangeID) (string, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	reason, ok := tr.aborted[id]
	return reason, ok
}

// newExchange builds a request exchange event with a fresh id.
func (tr *testTransport) newExchange(page *Page, method, urlstr string, body []byte) *ExchangeEvent {
	id := atomic.AddInt64(&tr.nextID, 1)
	return &ExchangeEvent{
		ID:   ExchangeID(fmt.Sprintf("exchange-%d", id)),
		Kind: ExchangeRequest,
		Request: &Request{
			Method: method,
			URL:    urlstr,
			Header: http.Header{},
			Body:   body,
		},
		Page: page,
	}
}

func (tr *testTransport) newUpgrade(page *Page, urlstr string) *ExchangeEvent {
	ev := tr.newExchange(page, "GET", urlstr, nil)
	ev.Kind = ExchangeWebSocketUpgrade
	ev.Request.Header.Set("Upgrade", "websocket")
	return ev
}

func testContext(t testing.TB) (*BrowserContext, *testTransport) {
	tr := newTestTransport()
	c := NewBrowserContext(tr, WithLogf(t.Logf))
	t.Cleanup(c.Close)
	return c, tr
}

// pipeMsg carries a data frame or a close across a pipe.
type pipeMsg struct {
	frame *WebSocketFrame
	close *WebSocketCloseError
}

// pipeFrameConn is an in-memory FrameConn; a pair of them form a duplex
// socket for tests.
type pipeFrameConn struct {
	in   chan pipeMsg
	peer *pipeFrameConn

	closeOnce sync.Once
	closed    chan struct{}
}

func newFrameConnPipe() (*pipeFrameConn, *pipeFrameConn) {
	a := &pipeFrameConn{in: make(chan pipeMsg, 64), closed: make(chan struct{})}
	b := &pipeFrameConn{in: make(chan pipeMsg, 64), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *pipeFrameConn) ReadFrame() (*WebSocketFrame, error) {
	select {
	case msg := <-c.in:
		if msg.close != nil {
			return nil, msg.close
		}
		return msg.frame, nil
	case <-c.closed:
		return nil, &WebSocketCloseError{Code: wsCloseCodeGoingAway, Reason: "local close"}
	}
}

func (c *pipeFrameConn) WriteFrame(frame *WebSocketFrame) error {
	select {
	case <-c.peer.closed:
		return fmt.Errorf("peer closed")
	case <-c.closed:
		return fmt.Errorf("conn closed")
	case c.peer.in <- pipeMsg{frame: frame}:
		return nil
	}
}

func (c *pipeFrameConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		select {
		case c.peer.in <- pipeMsg{close: &WebSocketCloseError{Code: code, Reason: reason, Clean: true}}:
		default:
		}
		close(c.closed)
	})
	return nil
}
