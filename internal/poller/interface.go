package poller

import (
	"context"
	"time"

	"codeberg.org/mutker/metricsync/internal/metrics"
)

// Fetcher performs the bounded network operations against the backend.
type Fetcher interface {
	FetchMetrics(ctx context.Context) (map[string]metrics.Snapshot, error)
	InvalidateCache(ctx context.Context) error
}

// Callback receives one immutable notification per update. Callbacks
// must treat the notification as read-only.
type Callback func(metrics.Notification)

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

type subscriber struct {
	id       uint64
	fn       Callback
	interval time.Duration
}
