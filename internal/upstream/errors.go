// Package upstream dispatches transformed requests to the backing provider
// and yields normalized streaming events.
package upstream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/izzoa/ccproxy/internal/codec"
)

// ErrPoolExhausted is returned when no upstream slot frees up within the
// acquire timeout. Handlers map it to 503.
var ErrPoolExhausted = errors.New("upstream connection pool exhausted")

// UpstreamError is a failed upstream HTTP exchange.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func (e *UpstreamError) Error() string {
	return codec.FormatUpstreamError(e.StatusCode, e.Body)
}

// DispatchError is a transport-level failure before any upstream response
// was received. Handlers map it to 502.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("upstream dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// TimeoutError is an exceeded dispatch or idle-stream deadline. Handlers map
// it to 504.
type TimeoutError struct {
	Phase string // "dispatch" or "stream"
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream %s timeout exceeded", e.Phase)
}
