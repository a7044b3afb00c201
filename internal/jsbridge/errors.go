package jsbridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/gaspardpetit/walletbridge/internal/wire"
)

var (
	// ErrChannelUnavailable is returned when a request cannot be sent.
	ErrChannelUnavailable = errors.New("bridge channel unavailable")
	// ErrNotConnected is returned for requests issued while disconnected.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrConnectionLost rejects requests pending when the connection dropped.
	ErrConnectionLost = errors.New("bridge connection lost")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("bridge request timed out")
	// ErrMalformedMessage describes inbound payloads that are dropped.
	ErrMalformedMessage = wire.ErrMalformed
	// ErrMethodNotFound may be returned by a Handler for unsupported methods.
	ErrMethodNotFound = errors.New("method not found")
	// ErrInvalidParams may be returned by a Handler for undecodable params.
	ErrInvalidParams = errors.New("invalid params")
)

// TimeoutError reports a request that got no response in time.
type TimeoutError struct {
	Method string
	ID     wire.ID
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (id %s) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteError is an error response sent by the peer.
type RemoteError struct {
	Message string
	Code    any
}

func (e *RemoteError) Error() string {
	if e.Code == nil {
		return e.Message
	}
	return fmt.Sprintf("%s (code %v)", e.Message, e.Code)
}

// IntCode returns the numeric error code, if any.
func (e *RemoteError) IntCode() (int, bool) {
	switch c := e.Code.(type) {
	case float64:
		return int(c), float64(int(c)) == c
	case int:
		return c, true
	case int64:
		return int(c), true
	default:
		return 0, false
	}
}

// Payload converts e back to its wire form.
func (e *RemoteError) Payload() *wire.ErrorPayload {
	return &wire.ErrorPayload{Message: e.Message, Code: e.Code}
}

// errorPayload maps a handler error onto the wire.
func errorPayload(err error) *wire.ErrorPayload {
	var p interface{ Payload() *wire.ErrorPayload }
	if errors.As(err, &p) {
		return p.Payload()
	}
	if errors.Is(err, ErrMethodNotFound) {
		return &wire.ErrorPayload{Message: err.Error(), Code: wire.CodeMethodNotFound}
	}
	if errors.Is(err, ErrInvalidParams) {
		return &wire.ErrorPayload{Message: err.Error(), Code: wire.CodeInvalidParams}
	}
	return &wire.ErrorPayload{Message: err.Error(), Code: wire.CodeInternal}
}
