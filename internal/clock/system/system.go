// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock satisfies fetch.Clock with UTC wall time.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time. The monotonic reading is kept so
// durations between two calls are immune to wall clock steps.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
