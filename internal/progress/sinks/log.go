package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcore/internal/progress"
)

// LogSink logs batch milestones at info and fetch transitions at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage.IsBatch() {
			s.logger.Info("batch progress",
				zap.String("stage", string(evt.Stage)),
				zap.String("batch_id", evt.BatchID),
				zap.Int("total", evt.Total),
				zap.Int("failed", evt.Failed),
				zap.Duration("dur", evt.Dur),
			)
			continue
		}
		if ce := s.logger.Check(zap.DebugLevel, "fetch progress"); ce != nil {
			ce.Write(
				zap.String("stage", string(evt.Stage)),
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int("attempt", evt.Attempt),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
