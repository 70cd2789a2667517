package session

import "errors"

// ErrMeDisconnected is the sentinel a caller wraps into the error that ends
// its event loop once it sees an EventMeDisconnect MeEvent. ProcessOneMessage
// itself returns (ev, nil) for that event, since a zero-length read from the
// ME is not a protocol violation; internal/apfd.Daemon wraps this sentinel
// into the error Run returns so cmd/apfd can tell a clean ME-initiated
// disconnect (errors.Is(err, ErrMeDisconnected)) apart from a genuine
// protocol or device fault and exit 0 instead of 1.
var ErrMeDisconnected = errors.New("session: ME disconnected")

// FatalError wraps a condition that ends the session per the device-fatal
// and protocol-fatal policy: short write, device read error, an unknown
// APF message type, or a malformed frame. The caller must stop calling
// ProcessOneMessage and tear down.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return "session: fatal: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(op string, err error) *FatalError {
	return &FatalError{Op: op, Err: err}
}
