package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fetchcore/internal/progress"
)

// PrometheusSink counts lifecycle transitions and tracks running batches.
type PrometheusSink struct {
	transitions      *prometheus.CounterVec
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchURLs        prometheus.Histogram
}

// NewPrometheusSink registers the collectors against reg. Collectors that are
// already registered are reused, so several sinks can share one registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	s := &PrometheusSink{}
	if s.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_transitions_total",
		Help: "Fetch state machine transitions partitioned by stage.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if s.batchesStarted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_batches_started_total",
		Help: "Total batches that have started.",
	})); err != nil {
		return nil, err
	}
	if s.batchesCompleted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_batches_completed_total",
		Help: "Total batches completed, partitioned by whether any URL failed.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if s.batchesRunning, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_batches_running",
		Help: "Current number of running batches.",
	})); err != nil {
		return nil, err
	}
	if s.batchURLs, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetch_batch_urls",
		Help:    "URLs per completed batch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})); err != nil {
		return nil, err
	}
	return s, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart:
			s.batchesStarted.Inc()
			s.batchesRunning.Inc()
		case progress.StageBatchDone:
			result := "clean"
			if evt.Failed > 0 {
				result = "partial"
			}
			s.batchesCompleted.WithLabelValues(result).Inc()
			s.batchesRunning.Dec()
			s.batchURLs.Observe(float64(evt.Total))
		default:
			s.transitions.WithLabelValues(string(evt.Stage)).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}
