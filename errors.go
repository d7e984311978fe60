package routedp

import (
	"errors"
	"fmt"
)

// Error types.
var (
	// ErrAlreadyHandled is the error returned when a second terminal
	// continuation (Continue, Fulfill or Abort) is attempted on an exchange
	// that has already been resolved.
	ErrAlreadyHandled = errors.New("Route is already handled!")

	// ErrTargetClosed is the error returned by pending route operations when
	// the owning page, browser context or browser was closed.
	ErrTargetClosed = errors.New("Target page, context or browser has been closed")

	// ErrSchemeChanged is the error returned when a Continue override rewrites
	// the request URL to a different scheme than the original request's.
	ErrSchemeChanged = errors.New("New URL must have same protocol as overridden URL")

	// ErrInvalidPattern is the error returned when a route pattern is not a
	// glob string, *regexp.Regexp, predicate func or URLMatcher.
	ErrInvalidPattern = errors.New("invalid route pattern")

	// ErrInvalidAbortReason is the error returned when Abort is called with a
	// reason outside the known network error vocabulary.
	ErrInvalidAbortReason = errors.New("invalid abort reason")

	// ErrChannelClosed is the error returned when the transport channel closed
	// before a command response was received.
	ErrChannelClosed = errors.New("channel closed")
)

// WebSocketCloseError describes a WebSocket close received from either end of
// a routed session. It carries the close code, reason and whether the close
// handshake completed cleanly, so the relay can propagate an identical close
// to the opposite side.
type WebSocketCloseError struct {
	Code   int
	Reason string
	Clean  bool
}

// Error satisfies error.
func (e *WebSocketCloseError) Error() string {
	return fmt.Sprintf("websocket closed: code %d: %s", e.Code, e.Reason)
}
