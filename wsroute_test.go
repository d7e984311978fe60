package routedp

import (
	"bytes"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// readFrame reads one frame from c, failing the test after a timeout.
func readFrame(t *testing.T, c FrameConn) *WebSocketFrame {
	t.Helper()
	type result struct {
		frame *WebSocketFrame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := c.ReadFrame()
		ch <- result{frame, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read frame: %v", res.err)
		}
		return res.frame
	case <-time.After(time.Second):
		t.Fatal("timed out reading frame")
		return nil
	}
}

// readClose reads from c until the peer's close arrives.
func readClose(t *testing.T, c FrameConn) *WebSocketCloseError {
	t.Helper()
	ch := make(chan error, 1)
	go func() {
		for {
			if _, err := c.ReadFrame(); err != nil {
				ch <- err
				return
			}
		}
	}()
	select {
	case err := <-ch:
		var ce *WebSocketCloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close error, got %v", err)
		}
		return ce
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

func TestWebSocketPassThrough(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	upstream, engineServer := newFrameConnPipe()
	tr.acceptConn = engineClient
	tr.connect = func(urlstr string, _ http.Header) (FrameConn, error) {
		if urlstr != "ws://example.com/chat" {
			t.Errorf("connect URL = %q", urlstr)
		}
		return engineServer, nil
	}

	c.RouteWebSocket("**/chat", func(ws *WebSocketRoute) error {
		_, err := ws.ConnectToServer()
		return err
	})

	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Page to server, text framing preserved.
	if err := page.WriteFrame(&WebSocketFrame{Data: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, upstream)
	if frame.Binary || string(frame.Data) != "hello" {
		t.Errorf("forwarded frame = %+v", frame)
	}

	// Server to page, binary framing preserved.
	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	if err := upstream.WriteFrame(&WebSocketFrame{Binary: true, Data: payload}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, page)
	if !frame.Binary || !bytes.Equal(frame.Data, payload) {
		t.Errorf("forwarded frame = %+v", frame)
	}
}

func TestWebSocketClientListenerDisablesForwarding(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	upstream, engineServer := newFrameConnPipe()
	tr.acceptConn = engineClient
	tr.connect = func(string, http.Header) (FrameConn, error) { return engineServer, nil }

	heard := make(chan *WebSocketFrame, 4)
	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		server, err := ws.ConnectToServer()
		if err != nil {
			return err
		}
		// Intercept page frames; uppercase-ish transform before re-sending.
		ws.OnMessage(func(frame *WebSocketFrame) {
			heard <- frame
			server.Send(&WebSocketFrame{Binary: frame.Binary, Data: append([]byte("mod:"), frame.Data...)})
		})
		return nil
	})

	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := page.WriteFrame(&WebSocketFrame{Data: []byte("ping")}); err != nil {
		t.Fatal(err)
	}
	select {
	case frame := <-heard:
		if string(frame.Data) != "ping" {
			t.Errorf("listener frame = %q", frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never fired")
	}
	frame := readFrame(t, upstream)
	if string(frame.Data) != "mod:ping" {
		t.Errorf("server received %q, want the listener's re-send only", frame.Data)
	}

	// The server side keeps its default forwarding.
	if err := upstream.WriteFrame(&WebSocketFrame{Data: []byte("pong")}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, page)
	if string(frame.Data) != "pong" {
		t.Errorf("page received %q", frame.Data)
	}
}

func TestWebSocketMocked(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	tr.acceptConn = engineClient

	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		ws.OnMessage(func(frame *WebSocketFrame) {
			ws.SendText("echo:" + string(frame.Data))
		})
		return nil
	})

	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/mock")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := page.WriteFrame(&WebSocketFrame{Data: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, page)
	if string(frame.Data) != "echo:hi" {
		t.Errorf("reply = %q", frame.Data)
	}
}

func TestWebSocketMockedFirstFrameNotLost(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	tr.acceptConn = engineClient

	// The page sends immediately after the upgrade, before the handler has
	// attached its listener.
	if err := page.WriteFrame(&WebSocketFrame{Data: []byte("eager")}); err != nil {
		t.Fatal(err)
	}

	heard := make(chan string, 1)
	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		ws.OnMessage(func(frame *WebSocketFrame) {
			heard <- string(frame.Data)
		})
		return nil
	})
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/mock")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case got := <-heard:
		if got != "eager" {
			t.Errorf("listener frame = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("first frame lost")
	}
}

func TestWebSocketUnroutedPassesThrough(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	c.RouteWebSocket("**/other", func(*WebSocketRoute) error {
		t.Error("non-matching handler invoked")
		return nil
	})
	ev := tr.newUpgrade(nil, "ws://example.com/chat")
	if err := c.DispatchExchange(ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tr.mu.Lock()
	passed := tr.wsPassed[ev.ID]
	tr.mu.Unlock()
	if !passed {
		t.Error("unrouted upgrade must continue untouched")
	}
}

func TestWebSocketConnectTwice(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	_, engineClient := newFrameConnPipe()
	_, engineServer := newFrameConnPipe()
	tr.acceptConn = engineClient
	tr.connect = func(string, http.Header) (FrameConn, error) { return engineServer, nil }

	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		if _, err := ws.ConnectToServer(); err != nil {
			return err
		}
		if _, err := ws.ConnectToServer(); err == nil {
			t.Error("second ConnectToServer must fail")
		}
		return nil
	})
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestWebSocketConnectAfterHandler(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	upstream, engineServer := newFrameConnPipe()
	tr.acceptConn = engineClient
	tr.connect = func(string, http.Header) (FrameConn, error) { return engineServer, nil }

	// The handler keeps the session mocked and hands it out; the server
	// connection is opened later, while page frames are already flowing.
	sessions := make(chan *WebSocketRoute, 1)
	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		sessions <- ws
		return nil
	})
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ws := <-sessions

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := page.WriteFrame(&WebSocketFrame{Data: []byte("tick")}); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	server, err := ws.ConnectToServer()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	// A page frame written after the connect must reach the upstream.
	frame := readFrame(t, upstream)
	close(stop)
	wg.Wait()
	if string(frame.Data) != "tick" {
		t.Errorf("upstream frame = %q", frame.Data)
	}

	// The server side pumps too.
	if server == nil {
		t.Fatal("no server endpoint")
	}
	if err := upstream.WriteFrame(&WebSocketFrame{Data: []byte("pong")}); err != nil {
		t.Fatal(err)
	}
	for {
		f := readFrame(t, page)
		if string(f.Data) == "pong" {
			break
		}
	}
}

func TestWebSocketClosePropagation(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	upstream, engineServer := newFrameConnPipe()
	tr.acceptConn = engineClient
	tr.connect = func(string, http.Header) (FrameConn, error) { return engineServer, nil }

	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		_, err := ws.ConnectToServer()
		return err
	})
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The page closes; the server observes the same code and reason.
	page.Close(4001, "done here")
	ce := readClose(t, upstream)
	if ce.Code != 4001 || ce.Reason != "done here" || !ce.Clean {
		t.Errorf("close = %+v", ce)
	}
}

func TestWebSocketCloseListener(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	upstream, engineServer := newFrameConnPipe()
	tr.acceptConn = engineClient
	tr.connect = func(string, http.Header) (FrameConn, error) { return engineServer, nil }

	closed := make(chan struct{})
	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		if _, err := ws.ConnectToServer(); err != nil {
			return err
		}
		ws.OnClose(func(code int, reason string, clean bool) {
			if code != 4000 || reason != "bye" || !clean {
				t.Errorf("close listener got %d %q clean=%v", code, reason, clean)
			}
			close(closed)
		})
		return nil
	})
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	page.Close(4000, "bye")
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close listener never fired")
	}
	// The listener owns propagation now: no close reaches the server side.
	done := make(chan error, 1)
	go func() {
		_, err := upstream.ReadFrame()
		done <- err
	}()
	select {
	case err := <-done:
		t.Errorf("server side saw %v, want no close", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketCloseReleasesOwnConn(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	tr.acceptConn = engineClient

	// Mocked session with neither listener nor server: a page close must
	// still release the engine-held socket.
	c.RouteWebSocket("**", func(*WebSocketRoute) error { return nil })
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	page.Close(1000, "done")
	select {
	case <-engineClient.closed:
	case <-time.After(time.Second):
		t.Fatal("engine-side connection never released")
	}
}

func TestWebSocketContextCloseTearsDown(t *testing.T) {
	t.Parallel()

	tr := newTestTransport()
	c := NewBrowserContext(tr, WithLogf(t.Logf))
	page, engineClient := newFrameConnPipe()
	upstream, engineServer := newFrameConnPipe()
	tr.acceptConn = engineClient
	tr.connect = func(string, http.Header) (FrameConn, error) { return engineServer, nil }

	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		_, err := ws.ConnectToServer()
		return err
	})
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	c.Close()
	for _, side := range []*pipeFrameConn{page, upstream} {
		ce := readClose(t, side)
		if ce.Code != wsCloseCodeGoingAway {
			t.Errorf("teardown close code = %d", ce.Code)
		}
	}
}

func TestWebSocketHandlerErrorTearsDown(t *testing.T) {
	t.Parallel()

	c, tr := testContext(t)
	page, engineClient := newFrameConnPipe()
	tr.acceptConn = engineClient

	boom := errors.New("ws handler failed")
	c.RouteWebSocket("**", func(ws *WebSocketRoute) error {
		return boom
	})
	if err := c.DispatchExchange(tr.newUpgrade(nil, "ws://example.com/chat")); !errors.Is(err, boom) {
		t.Fatalf("got error %v, want %v", err, boom)
	}
	ce := readClose(t, page)
	if ce.Code != wsCloseCodeGoingAway {
		t.Errorf("teardown close code = %d", ce.Code)
	}
}

func TestForwardableWebSocketHeader(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Cookie", "sid=1")
	h.Set("Sec-WebSocket-Key", "opaque")
	h.Set("Upgrade", "websocket")
	h.Add("Sec-WebSocket-Protocol", "chat")

	out := ForwardableWebSocketHeader(h)
	if out.Get("Cookie") != "sid=1" {
		t.Error("Cookie not forwarded")
	}
	if out.Get("Sec-WebSocket-Protocol") != "chat" {
		t.Error("subprotocol not forwarded")
	}
	if out.Get("Sec-WebSocket-Key") != "" || out.Get("Upgrade") != "" {
		t.Error("handshake headers must not be forwarded")
	}
}
