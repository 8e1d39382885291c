package relay

import "context"

// Close codes sent to the browser when the relay ends a window.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
	CloseWindowReopened  = 4409
)

// Transport is the browser end of one window.
//
// Receive blocks for the next raw message. Send may be called from the
// output pump while Receive is blocked in the control loop, but the relay
// never calls Send concurrently with itself. Close must be idempotent and
// must unblock a pending Receive.
type Transport interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, msg Outbound) error
	Close(code int, reason string) error
}
