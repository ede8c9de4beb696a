package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a fetch failed.
type ErrorKind string

const (
	KindTransport        ErrorKind = "transport"
	KindTimeout          ErrorKind = "timeout"
	KindHTTPStatus       ErrorKind = "http_status"
	KindExhaustedRetries ErrorKind = "exhausted_retries"
	KindConfiguration    ErrorKind = "configuration"
	KindProtocol         ErrorKind = "protocol"
	KindCanceled         ErrorKind = "canceled"
	KindInternal         ErrorKind = "internal"
)

// ErrBatchDeadline is reported for attempts refused after the batch admission deadline.
var ErrBatchDeadline = errors.New("batch deadline exceeded")

// TransportError covers DNS, connect and TLS failures. Retryable.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is an attempt that ran past its deadline. Retryable.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("timeout after %s for %s: %v", e.Timeout, e.URL, e.Err)
	}
	return fmt.Sprintf("timeout for %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPStatusError is a response whose status is in the retryable set.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("retryable status %d for %s", e.StatusCode, e.URL)
}

// ProtocolError is a request that can never succeed as written. Not retryable.
type ProtocolError struct {
	URL string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error for %s: %v", e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ExhaustedRetriesError is terminal and wraps the last attempt's error.
type ExhaustedRetriesError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts for %s: %v", e.Attempts, e.URL, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// ConfigurationError rejects invalid rates, timeouts or proxy values at construction.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// KindOf maps err onto an ErrorKind. The outermost typed error wins.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		cfgErr       *ConfigurationError
		exhaustedErr *ExhaustedRetriesError
		statusErr    *HTTPStatusError
		timeoutErr   *TimeoutError
		transportErr *TransportError
		protocolErr  *ProtocolError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &exhaustedErr):
		return KindExhaustedRetries
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &protocolErr):
		return KindProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// Retryable reports whether err should drive another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindHTTPStatus:
		return true
	default:
		return false
	}
}
