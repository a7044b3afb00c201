package provider

import (
	"errors"
	"fmt"

	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
)

var (
	// ErrNotEnabled is returned by capability calls before Enable succeeded.
	ErrNotEnabled = errors.New("wallet not enabled")
	// ErrInvalidParams is returned when params do not match the capability
	// schema. Nothing is sent in that case.
	ErrInvalidParams = errors.New("invalid params")
	// ErrMalformedResult is returned when the host result does not match the
	// capability schema or the requested Go type.
	ErrMalformedResult = errors.New("malformed result")
)

// MethodNotFoundError reports a method the host does not implement.
type MethodNotFoundError struct {
	Method string
	Err    *jsbridge.RemoteError
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method %s not found: %s", e.Method, e.Err.Message)
}

func (e *MethodNotFoundError) Unwrap() error { return e.Err }
