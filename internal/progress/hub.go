package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config sizes the hub. Zero fields fall back to the package defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 500
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub collects fetch lifecycle events from any goroutine and hands them to
// sinks in batches from a single delivery goroutine.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	// mu guards closed and every send on events, so Close can close the channel.
	mu       sync.RWMutex
	closed   bool
	events   chan Event
	closeCtx context.Context
	done     chan struct{}

	dropped  atomic.Int64
	warnedAt atomic.Int64
}

// NewHub starts delivery. Call Close to flush and release the sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		logger: cfg.Logger,
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

// Emit queues evt without blocking. Invalid events and events arriving on a
// full buffer or after Close are discarded. A nil Hub ignores everything.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- evt:
	default:
		h.noteDrop()
	}
}

func (h *Hub) noteDrop() {
	total := h.dropped.Add(1)
	now := time.Now().UnixNano()
	prev := h.warnedAt.Load()
	if now-prev < int64(dropLogInterval) || !h.warnedAt.CompareAndSwap(prev, now) {
		return
	}
	h.logger.Warn("progress buffer full, dropping events", zap.Int64("dropped_total", total))
}

// Dropped is the number of events discarded on a full buffer.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops intake, delivers what is buffered, closes the sinks with ctx and
// waits for delivery to finish or ctx to end.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		h.closeCtx = ctx
		close(h.events)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	tick := time.NewTicker(h.cfg.MaxBatchWait)
	defer tick.Stop()
	for {
		select {
		case evt, ok := <-h.events:
			if !ok {
				h.deliver(pending)
				h.closeSinks()
				return
			}
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		case <-tick.C:
			pending = h.deliver(pending)
		}
	}
}

// deliver passes a copy of pending to each sink and returns pending truncated.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	batch := append([]Event(nil), pending...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink rejected batch", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
	return pending[:0]
}

// closeSinks runs on the delivery goroutine after events is closed, which
// orders it after the closeCtx write in Close.
func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("close progress sink", zap.Error(err))
		}
	}
}
