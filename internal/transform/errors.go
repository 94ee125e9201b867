// Package transform rewrites dialect-specific request content into the
// upstream Responses input format.
package transform

import "fmt"

// RequestTransformError reports a content block that could not be converted.
// BlockIndex is -1 when the failure is not tied to a specific block.
type RequestTransformError struct {
	BlockIndex int
	Message    string
}

func (e *RequestTransformError) Error() string {
	if e.BlockIndex >= 0 {
		return fmt.Sprintf("invalid content block %d: %s", e.BlockIndex, e.Message)
	}
	return e.Message
}

func blockErr(index int, format string, args ...any) *RequestTransformError {
	return &RequestTransformError{BlockIndex: index, Message: fmt.Sprintf(format, args...)}
}
