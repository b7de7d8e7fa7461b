package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

// Request outcome errors.
var (
	// ErrRequestTimeout is returned when no matching response arrives
	// before the request's deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrBridgeDestroyed is returned for requests in flight when the
	// bridge is torn down, and for requests issued afterwards.
	ErrBridgeDestroyed = errors.New("bridge is destroyed")
)

// RemoteError is a protocol error frame returned by the plugin side.
type RemoteError struct {
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return e.Message
}

// result is the single resolution of a pending request.
type result struct {
	payload json.RawMessage
	err     error
}

// pendingRequest tracks one in-flight host-issued request. Exactly one
// of response, error, or timeout resolves it; the deadline is explicit
// so the cancellation mechanism is inspectable rather than an ambient
// timer side effect.
type pendingRequest struct {
	id       string
	deadline time.Time
	timer    *time.Timer
	done     chan result // buffered, capacity 1
}

// newPending creates a pending request whose timer fires expire at the
// deadline.
func newPending(id string, deadline time.Time, timeout time.Duration, expire func()) *pendingRequest {
	return &pendingRequest{
		id:       id,
		deadline: deadline,
		timer:    time.AfterFunc(timeout, expire),
		done:     make(chan result, 1),
	}
}

// resolve delivers the result and stops the timer. The caller must
// have already removed the request from the pending table, which is
// what guarantees exactly-once resolution.
func (p *pendingRequest) resolve(res result) {
	p.timer.Stop()
	p.done <- res
}
