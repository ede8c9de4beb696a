package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "transport", err: &TransportError{URL: "u", Err: base}, want: KindTransport},
		{name: "timeout", err: &TimeoutError{URL: "u", Err: context.DeadlineExceeded}, want: KindTimeout},
		{name: "status", err: &HTTPStatusError{URL: "u", StatusCode: 503}, want: KindHTTPStatus},
		{name: "protocol", err: &ProtocolError{URL: "u", Err: base}, want: KindProtocol},
		{name: "config", err: Configf("rate_limit", "bad"), want: KindConfiguration},
		{
			name: "exhausted wins over wrapped cause",
			err:  &ExhaustedRetriesError{URL: "u", Attempts: 3, Last: &TransportError{URL: "u", Err: base}},
			want: KindExhaustedRetries,
		},
		{name: "canceled", err: fmt.Errorf("wait: %w", context.Canceled), want: KindCanceled},
		{name: "untyped", err: base, want: KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(&TransportError{Err: errors.New("dial")}))
	assert.True(t, Retryable(&TimeoutError{Err: context.DeadlineExceeded}))
	assert.True(t, Retryable(&HTTPStatusError{StatusCode: 429}))
	assert.False(t, Retryable(&ProtocolError{Err: errors.New("scheme")}))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(nil))
}

func TestExhaustedRetriesUnwrap(t *testing.T) {
	t.Parallel()

	last := &HTTPStatusError{URL: "https://example.com", StatusCode: 503}
	err := &ExhaustedRetriesError{URL: "https://example.com", Attempts: 3, Last: last}

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, StatusOf(err))
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestNewFailureCarriesKindAndStatus(t *testing.T) {
	t.Parallel()

	err := &ExhaustedRetriesError{URL: "u", Attempts: 2, Last: &HTTPStatusError{URL: "u", StatusCode: 502}}
	res := NewFailure("u", err, 0, 2)

	assert.False(t, res.OK())
	assert.Equal(t, KindExhaustedRetries, res.ErrorKind)
	assert.Equal(t, 502, res.StatusCode)
	assert.Equal(t, 2, res.Attempts)
	assert.NotEmpty(t, res.Message)
}
