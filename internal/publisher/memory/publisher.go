// Package memory records published batch events in-process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fetchcore/internal/publisher"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []publisher.BatchCompleted
}

var _ publisher.Publisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event publisher.BatchCompleted) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []publisher.BatchCompleted {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.BatchCompleted, len(p.events))
	copy(out, p.events)
	return out
}
