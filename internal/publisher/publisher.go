// Package publisher announces completed batches to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// EventBatchCompleted is the event type attribute for BatchCompleted.
const EventBatchCompleted = "batch.completed"

// BatchCompleted summarizes one finished batch.
type BatchCompleted struct {
	BatchID     string         `json:"batch_id"`
	Strategy    string         `json:"strategy"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	ByKind      map[string]int `json:"by_kind,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	ExportURI   string         `json:"export_uri,omitempty"`
}

// Publisher delivers batch events and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, event BatchCompleted) (string, error)
}
