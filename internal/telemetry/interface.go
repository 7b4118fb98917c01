package telemetry

import (
	"context"
	"time"

	"codeberg.org/mutker/metricsync/internal/metrics"
)

// Collector defines the core domain interface
type Collector interface {
	Record(ctx context.Context, sample *PollSample) error
	RecordMetrics(ctx context.Context, snapshots map[string]metrics.Snapshot) error
	Close() error
}

// Repository defines the interface for telemetry data storage
type Repository interface {
	Record(sample *PollSample) error
	UpsertMetrics(snapshots map[string]metrics.Snapshot) error
	Close() error
}

// PollSample captures the outcome of one fetch attempt together with
// the polling posture at that moment.
type PollSample struct {
	Timestamp           time.Time
	Cause               string
	Outcome             Outcome
	Err                 string
	RetryCount          int
	ConsecutiveFailures int
	BreakerState        string
	Health              string
	Interval            time.Duration
	MetricCount         int
}

// Outcome classifies a fetch attempt result.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
)
