package rpc

import "errors"

var (
	// ErrTimeout means no reply arrived within the caller's deadline.
	// The pending call is evicted, so a late reply is discarded.
	ErrTimeout = errors.New("rpc: request timed out")

	// ErrClientClosed fails calls issued after Close, and any calls
	// still in flight when Close runs.
	ErrClientClosed = errors.New("rpc: client closed")
)

// ApplicationError reports a failure inside the remote handler. At the
// transport level the request succeeded: it was delivered, handled and
// replied to.
type ApplicationError struct {
	Detail string
}

func (e *ApplicationError) Error() string { return "rpc: application error: " + e.Detail }
