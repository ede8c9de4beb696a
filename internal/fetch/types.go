// Package fetch holds the request/result model shared by every layer of the fetching core.
package fetch

import (
	"net/http"
	"time"
)

// DefaultSessionID names the connection handle used when callers do not pick one.
const DefaultSessionID = "default"

// Outcome discriminates the two shapes a Result can take.
type Outcome string

const (
	// OutcomeSuccess means a response was received and accepted.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure means no acceptable response was obtained.
	OutcomeFailure Outcome = "failure"
)

// Request is the immutable description of a single attempt.
type Request struct {
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	Timeout   time.Duration
	Proxy     string
	UserAgent string
	SessionID string
}

// Response is what a dispatcher hands back for one attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
}

// Result is the terminal record of a fetch. Exactly one of the success or
// failure field groups is meaningful, as selected by Outcome.
type Result struct {
	URL      string        `json:"url" xml:"url" yaml:"url"`
	Outcome  Outcome       `json:"outcome" xml:"outcome" yaml:"outcome"`
	Attempts int           `json:"attempts" xml:"attempts" yaml:"attempts"`
	Elapsed  time.Duration `json:"elapsed_ns" xml:"elapsed_ns" yaml:"elapsed_ns"`

	// Success fields.
	StatusCode int         `json:"status_code,omitempty" xml:"status_code,omitempty" yaml:"status_code,omitempty"`
	Header     http.Header `json:"headers,omitempty" xml:"-" yaml:"headers,omitempty"`
	Body       []byte      `json:"-" xml:"-" yaml:"-"`

	// Failure fields.
	ErrorKind ErrorKind `json:"error_kind,omitempty" xml:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty" xml:"message,omitempty" yaml:"message,omitempty"`
}

// NewSuccess builds a success result.
func NewSuccess(url string, resp Response, elapsed time.Duration, attempts int) Result {
	return Result{
		URL:        url,
		Outcome:    OutcomeSuccess,
		Attempts:   attempts,
		Elapsed:    elapsed,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}
}

// NewFailure builds a failure result from err.
func NewFailure(url string, err error, elapsed time.Duration, attempts int) Result {
	res := Result{
		URL:       url,
		Outcome:   OutcomeFailure,
		Attempts:  attempts,
		Elapsed:   elapsed,
		ErrorKind: KindOf(err),
	}
	if err != nil {
		res.Message = err.Error()
	}
	if status := StatusOf(err); status > 0 {
		res.StatusCode = status
	}
	return res
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}
