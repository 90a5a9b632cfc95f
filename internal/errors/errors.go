// Package errors defines the error taxonomy shared by the retrieval
// pipeline and its HTTP surface. Components wrap failures with a Kind; only
// the API layer translates kinds into status codes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindInvalidArgument covers missing queries, bad weights, and unknown
	// fusion methods. Never has side effects.
	KindInvalidArgument Kind = "InvalidArgument"
	// KindBackendUnavailable covers search backend connect and query failures.
	KindBackendUnavailable Kind = "BackendUnavailable"
	// KindEmbeddingFailure covers embedding service errors after retries.
	KindEmbeddingFailure Kind = "EmbeddingFailure"
	// KindSummariserFailure covers summariser errors; never aborts retrieval.
	KindSummariserFailure Kind = "SummariserFailure"
	// KindTimeout covers exceeded deadlines.
	KindTimeout Kind = "Timeout"
	// KindBusy covers connection pool saturation.
	KindBusy Kind = "Busy"
	// KindNotFound covers unknown job ids.
	KindNotFound Kind = "NotFound"
)

// Error carries a kind, the operation that failed, and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a new classified error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain. Deadline errors from the
// context package classify as Timeout even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps a kind to its response status. Unclassified errors map to
// 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindEmbeddingFailure, KindSummariserFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBusy:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
