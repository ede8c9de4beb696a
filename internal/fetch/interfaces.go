package fetch

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and export IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Fetcher is the fetch_one capability consumed by batch coordination and outer surfaces.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts Options) Result
}

type admissionKey struct{}

// WithAdmissionDeadline marks ctx with a time after which no new attempt may start.
// In-flight attempts are unaffected.
func WithAdmissionDeadline(ctx context.Context, deadline time.Time) context.Context {
	return context.WithValue(ctx, admissionKey{}, deadline)
}

// AdmissionDeadline returns the deadline set by WithAdmissionDeadline, if any.
func AdmissionDeadline(ctx context.Context) (time.Time, bool) {
	deadline, ok := ctx.Value(admissionKey{}).(time.Time)
	return deadline, ok
}
