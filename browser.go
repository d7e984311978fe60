package routedp

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// Browser manages the control connection to a running browser: it owns the
// websocket client, correlates command responses by message id, and routes
// protocol events to listeners by session.
type Browser struct {
	conn Transport

	// next is the next message id.
	next int64

	// cmdQueue is the outgoing command queue.
	cmdQueue chan cmdJob

	listenersMu sync.Mutex
	listeners   []func(sessionID target.SessionID, msg *cdproto.Message)

	ctx    context.Context
	cancel context.CancelFunc

	// logging funcs
	logf, errf func(string, ...interface{})
}

type cmdJob struct {
	msg  *cdproto.Message
	resp chan *cdproto.Message
}

// BrowserOption is a browser option.
type BrowserOption func(*Browser)

// WithBrowserLogf is a browser option to specify a func to receive general
// logging.
func WithBrowserLogf(f func(string, ...interface{})) BrowserOption {
	return func(b *Browser) { b.logf = f }
}

// WithBrowserErrorf is a browser option to specify a func to receive error
// logging.
func WithBrowserErrorf(f func(string, ...interface{})) BrowserOption {
	return func(b *Browser) { b.errf = f }
}

// NewBrowser dials the browser's devtools websocket URL and starts the
// message loop.
func NewBrowser(ctx context.Context, urlstr string, opts ...BrowserOption) (*Browser, error) {
	conn, err := DialContext(ctx, ForceIP(urlstr))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Browser{
		conn:     conn,
		cmdQueue: make(chan cmdJob),
		ctx:      ctx,
		cancel:   cancel,
		logf:     log.Printf,
	}
	for _, o := range opts {
		o(b)
	}
	if b.errf == nil {
		b.errf = func(s string, v ...interface{}) { b.logf("ERROR: "+s, v...) }
	}

	go b.run(ctx)
	return b, nil
}

// Shutdown closes the control connection.
func (b *Browser) Shutdown() error {
	b.cancel()
	return b.conn.Close()
}

// Listen registers a listener receiving every protocol event along with the
// session it belongs to (empty for browser-level events).
func (b *Browser) Listen(f func(sessionID target.SessionID, msg *cdproto.Message)) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, f)
	b.listenersMu.Unlock()
}

// Execute sends a browser-level command and decodes its response into res.
// It implements the cdproto executor contract.
func (b *Browser) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return b.execute(ctx, "", method, params, res)
}

// Session returns an executor bound to a target session.
func (b *Browser) Session(id target.SessionID) *Session {
	return &Session{browser: b, id: id}
}

// Session executes commands against one attached target.
type Session struct {
	browser *Browser
	id      target.SessionID
}

// Execute sends a command on this session and decodes its response into res.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return s.browser.execute(ctx, s.id, method, params, res)
}

func (b *Browser) execute(ctx context.Context, sessionID target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        atomic.AddInt64(&b.next, 1),
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	ch := make(chan *cdproto.Message, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrChannelClosed
	case b.cmdQueue <- cmdJob{msg: msg, resp: ch}:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrChannelClosed
	case resp := <-ch:
		switch {
		case resp == nil:
			return ErrChannelClosed
		case resp.Error != nil:
			return resp.Error
		case res != nil:
			return easyjson.Unmarshal(resp.Result, res)
		}
	}
	return nil
}

func (b *Browser) run(ctx context.Context) {
	defer b.conn.Close()

	// msgQueue is the queue of incoming messages; reading from the websocket
	// is blocking, so it happens on its own goroutine.
	msgQueue := make(chan *cdproto.Message, 1)
	go func() {
		defer b.cancel()
		for {
			msg, err := b.conn.Read()
			if err != nil {
				return
			}
			select {
			case msgQueue <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	respByID := make(map[int64]chan *cdproto.Message)
	defer func() {
		for _, ch := range respByID {
			close(ch)
		}
	}()

	for {
		select {
		case msg := <-msgQueue:
			switch {
			case msg.Method != "":
				b.listenersMu.Lock()
				listeners := make([]func(target.SessionID, *cdproto.Message), len(b.listeners))
				copy(listeners, b.listeners)
				b.listenersMu.Unlock()
				for _, f := range listeners {
					f(msg.SessionID, msg)
				}
			case msg.ID != 0:
				resp, ok := respByID[msg.ID]
				if !ok {
					b.errf("id %d not present in response map", msg.ID)
					continue
				}
				resp <- msg
				close(resp)
				delete(respByID, msg.ID)
			default:
				b.errf("ignoring malformed incoming message (missing id or method): %#v", msg)
			}

		case q := <-b.cmdQueue:
			if _, ok := respByID[q.msg.ID]; ok {
				b.errf("id %d already present in response map", q.msg.ID)
				continue
			}
			respByID[q.msg.ID] = q.resp
			if err := b.conn.Write(q.msg); err != nil {
				b.errf("%s", err)
				delete(respByID, q.msg.ID)
				close(q.resp)
			}

		case <-ctx.Done():
			return
		}
	}
}
