package poller

import (
	"fmt"
	"time"

	"codeberg.org/mutker/metricsync/internal/api"
	"codeberg.org/mutker/metricsync/internal/auth"
	"codeberg.org/mutker/metricsync/internal/breaker"
	"codeberg.org/mutker/metricsync/internal/errors"
	"codeberg.org/mutker/metricsync/internal/logger"
	"codeberg.org/mutker/metricsync/internal/metrics"
	"codeberg.org/mutker/metricsync/internal/telemetry"
)

// Fetch causes, recorded as the snapshot trigger tag.
const (
	causeStartup    = "startup"
	causePoll       = "poll"
	causeRetry      = "retry"
	causeVisibility = "visibility_catchup"
	causeManual     = "manual_refresh"
)

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 10 * time.Second
)

// maybeFetch runs the fetch gate chain: token, then (unless forced)
// activity, visibility and the debounce window, then the breaker.
// The breaker check comes last so a denied debounce cannot burn the
// half-open probe slot. An accepted fetch claims a new generation;
// whatever generation is current when a fetch completes decides whether
// its outcome may mutate state.
func (m *Manager) maybeFetch(force bool, cause string) {
	if _, err := m.tokens.Token(); err != nil {
		if auth.IsTokenMissing(err) {
			logger.Debug().Str("cause", cause).Msg("No token, skipping fetch")
		} else {
			logger.Warn().Err(err).Msg("Token source failed")
		}
		return
	}

	now := m.now()

	m.mu.Lock()
	if !force {
		if !m.state.Active || !m.visible {
			m.mu.Unlock()
			return
		}
		if !m.state.LastAttempt.IsZero() && now.Sub(m.state.LastAttempt) < m.cfg.Debounce {
			m.mu.Unlock()
			return
		}
	} else if (cause == causeRetry || cause == causeVisibility) && !m.state.Active {
		// A retry timer can fire in the window between its Stop and the
		// lock acquisition here. Polling-owned causes die with polling.
		m.mu.Unlock()
		return
	}

	if !m.brk.Allow() {
		m.state.Health = metrics.HealthOffline
		m.mu.Unlock()
		logger.Debug().Str("cause", cause).Msg("Circuit open, fetch short-circuited")
		return
	}

	m.state.LastAttempt = now
	m.generation++
	gen := m.generation
	m.isLoading = true
	notif := m.notificationLocked()
	subs := append([]*subscriber(nil), m.subs...)
	m.mu.Unlock()

	m.deliver(subs, notif)

	go m.doFetch(gen, cause)
}

func (m *Manager) doFetch(gen uint64, cause string) {
	result, err := m.fetcher.FetchMetrics(m.baseCtx)

	m.mu.Lock()
	if gen != m.generation {
		// A newer fetch was accepted (or polling stopped) while this
		// one was in flight. Its outcome must not touch shared state.
		m.mu.Unlock()
		logger.Debug().Str("cause", cause).Msg("Dropping stale fetch result")
		return
	}

	var sample telemetry.PollSample
	var rateErr *api.RateLimitError

	switch {
	case err == nil:
		m.applySuccessLocked(result, cause)
		sample.Outcome = telemetry.OutcomeSuccess
		sample.MetricCount = len(result)
	case errors.As(err, &rateErr):
		m.applyRateLimitLocked(rateErr.RetryAfter)
		sample.Outcome = telemetry.OutcomeRateLimited
		sample.Err = err.Error()
	default:
		m.applyFailureLocked(err)
		sample.Outcome = telemetry.OutcomeError
		sample.Err = err.Error()
	}

	sample.Timestamp = m.now()
	sample.Cause = cause
	sample.RetryCount = m.state.RetryCount
	sample.ConsecutiveFailures = m.state.ConsecutiveFailures
	sample.BreakerState = string(m.brk.State())
	sample.Health = string(m.state.Health)
	sample.Interval = m.state.AdaptiveInterval

	notif := m.notificationLocked()
	subs := append([]*subscriber(nil), m.subs...)
	m.mu.Unlock()

	m.deliver(subs, notif)
	m.record(&sample)
	if err == nil {
		m.recordMetrics(result)
	}
}

func (m *Manager) applySuccessLocked(result map[string]metrics.Snapshot, cause string) {
	m.isLoading = false
	m.lastErr = ""
	m.state.RetryCount = 0
	m.state.ConsecutiveFailures = 0
	m.state.Health = metrics.HealthGood
	m.brk.RecordSuccess()

	// Any rate-limit slowdown ends with the next successful fetch
	if m.state.AdaptiveInterval != m.effective {
		m.state.AdaptiveInterval = m.effective
		m.signalIntervalLocked()
	}

	updated := make(map[string]metrics.Snapshot, len(result))
	for key, snapshot := range result {
		prev, known := m.current[key]
		if known && snapshot.PreviousValue == 0 {
			snapshot.PreviousValue = prev.Value
		}
		if snapshot.Trend == "" {
			snapshot.Trend, snapshot.TrendPct = metrics.DeriveTrend(snapshot.PreviousValue, snapshot.Value)
		}
		if snapshot.TriggeredBy == "" {
			snapshot.TriggeredBy = cause
		}
		updated[key] = snapshot
	}
	m.current = updated
}

func (m *Manager) applyRateLimitLocked(retryAfter time.Duration) {
	m.isLoading = false
	m.state.Health = metrics.HealthPoor

	slowed := retryAfter * 2
	if slowed > m.cfg.MaxAdaptiveInterval {
		slowed = m.cfg.MaxAdaptiveInterval
	}
	if slowed > m.state.AdaptiveInterval {
		m.state.AdaptiveInterval = slowed
		m.signalIntervalLocked()
	}

	logger.Warn().
		Dur("retry_after", retryAfter).
		Dur("adaptive_interval", m.state.AdaptiveInterval).
		Msg("Rate limited, slowing down")
}

func (m *Manager) applyFailureLocked(err error) {
	m.isLoading = false
	m.state.ConsecutiveFailures++
	m.brk.RecordFailure()

	if m.brk.State() == breaker.StateOpen {
		m.state.Health = metrics.HealthOffline
	} else {
		m.state.Health = metrics.HealthPoor
	}

	logger.Warn().
		Err(err).
		Int("consecutive_failures", m.state.ConsecutiveFailures).
		Int("retry_count", m.state.RetryCount).
		Msg("Fetch failed")

	if m.state.Active && m.state.RetryCount < m.cfg.MaxRetries {
		m.state.RetryCount++
		m.scheduleRetryLocked(retryDelay(m.state.RetryCount))
		return
	}

	// Retries exhausted: surface the terminal error and fall back to
	// the periodic cadence. Recovery comes from the next tick or a
	// half-open probe; the error clears only on the next success.
	m.lastErr = fmt.Sprintf("connection failed after %d attempts", m.state.RetryCount+1)
}

func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}

	logger.Debug().Dur("delay", delay).Int("retry", m.state.RetryCount).Msg("Scheduling retry")

	m.retryTimer = m.afterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()

		m.maybeFetch(true, causeRetry)
	})
}

// retryDelay returns the backoff before the nth retry: 1s, 2s, 4s, ...
// capped at 10s.
func retryDelay(n int) time.Duration {
	delay := baseRetryDelay << (n - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	return delay
}

func (m *Manager) record(sample *telemetry.PollSample) {
	if m.collector == nil {
		return
	}

	if err := m.collector.Record(m.baseCtx, sample); err != nil {
		logger.Debug().Err(err).Msg("Failed to record poll sample")
	}
}

func (m *Manager) recordMetrics(result map[string]metrics.Snapshot) {
	if m.collector == nil {
		return
	}

	if err := m.collector.RecordMetrics(m.baseCtx, result); err != nil {
		logger.Debug().Err(err).Msg("Failed to record metric values")
	}
}
