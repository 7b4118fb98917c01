package metrics

import (
	"math"
	"time"
)

// Trend describes the direction a metric moved between two refreshes.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// ConnectionHealth summarizes how well the backend is responding.
type ConnectionHealth string

const (
	HealthGood    ConnectionHealth = "good"
	HealthPoor    ConnectionHealth = "poor"
	HealthOffline ConnectionHealth = "offline"
)

// Snapshot is a single business metric as reported by the backend.
type Snapshot struct {
	Type          string    `json:"metric_type"`
	Value         float64   `json:"value"`
	PreviousValue float64   `json:"previous_value"`
	Trend         Trend     `json:"trend"`
	TrendPct      float64   `json:"trend_percentage"`
	Display       string    `json:"display_value"`
	UpdatedAt     time.Time `json:"last_updated"`
	TriggeredBy   string    `json:"triggered_by,omitempty"`
}

// Notification is the immutable per-update state handed to every
// subscriber. Consumers must treat it as read-only.
type Notification struct {
	Metrics    map[string]Snapshot
	IsLoading  bool
	Err        string
	RetryCount int
	Health     ConnectionHealth
}

// PollingState describes the current polling posture of the manager.
type PollingState struct {
	Active              bool
	AdaptiveInterval    time.Duration
	ConsecutiveFailures int
	Health              ConnectionHealth
	RetryCount          int
	LastAttempt         time.Time
}

const stableThresholdPct = 0.01

// DeriveTrend computes direction and percentage change between two values.
// A zero previous value or a sub-threshold change reports stable.
func DeriveTrend(previous, current float64) (Trend, float64) {
	if previous == 0 {
		return TrendStable, 0
	}

	pct := (current - previous) / math.Abs(previous) * 100
	if math.Abs(pct) < stableThresholdPct {
		return TrendStable, 0
	}

	if pct > 0 {
		return TrendUp, pct
	}

	return TrendDown, pct
}
