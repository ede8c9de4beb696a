package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the lifecycle step an Event records.
type Stage string

// Fetch stages mirror the engine state machine; batch stages bracket FetchMany.
const (
	StagePending     Stage = "PENDING"
	StageRateLimited Stage = "RATE_LIMITED"
	StageDispatched  Stage = "DISPATCHED"
	StageRetrying    Stage = "RETRYING"
	StageSucceeded   Stage = "SUCCEEDED"
	StageFailed      Stage = "FAILED"

	StageBatchStart Stage = "BATCH_START"
	StageBatchDone  Stage = "BATCH_DONE"
)

// Event is one lifecycle milestone.
type Event struct {
	TS    time.Time
	Stage Stage
	// URL and Site are set for fetch stages. Site is the sanitized host.
	URL     string
	Site    string
	Attempt int
	// BatchID is set for batch stages.
	BatchID string
	// Total and Failed summarize a finished batch.
	Total  int
	Failed int
	Dur    time.Duration
}

// IsBatch reports whether the stage brackets a batch rather than a fetch.
func (s Stage) IsBatch() bool {
	return s == StageBatchStart || s == StageBatchDone
}

// Terminal reports whether the fetch stage ends a fetch.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StagePending, StageRateLimited, StageDispatched, StageRetrying, StageSucceeded, StageFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageBatchStart, StageBatchDone:
		if e.BatchID == "" {
			return fmt.Errorf("%s requires batch id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Attempt < 0 || e.Dur < 0 {
		return errors.New("attempt and duration must be >= 0")
	}
	return nil
}
