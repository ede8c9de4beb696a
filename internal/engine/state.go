package engine

// State is a step in the per-fetch state machine.
type State int

const (
	StatePending State = iota
	StateRateLimited
	StateDispatched
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRateLimited:
		return "RATE_LIMITED"
	case StateDispatched:
		return "DISPATCHED"
	case StateRetrying:
		return "RETRYING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// TransitionFunc observes state changes. It runs on the fetching goroutine.
type TransitionFunc func(url string, attempt int, state State)
