package poller

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/metricsync/internal/auth"
	"codeberg.org/mutker/metricsync/internal/breaker"
	"codeberg.org/mutker/metricsync/internal/errors"
	"codeberg.org/mutker/metricsync/internal/logger"
	"codeberg.org/mutker/metricsync/internal/metrics"
	"codeberg.org/mutker/metricsync/internal/telemetry"
)

// Manager multiplexes many subscribers with different refresh cadences
// over a single polled backend resource. It owns the polling timer, the
// circuit breaker, retry backoff, rate-limit adaptation and the
// visibility gate, and delivers one immutable notification to every
// subscriber per update.
//
// The manager is constructed once, injected where needed, and lives for
// the application session. It is safe for concurrent use.
type Manager struct {
	cfg       Config
	fetcher   Fetcher
	tokens    auth.TokenSource
	brk       *breaker.Breaker
	collector telemetry.Collector

	mu         sync.Mutex
	subs       []*subscriber
	nextSubID  uint64
	current    map[string]metrics.Snapshot
	lastErr    string
	isLoading  bool
	state      metrics.PollingState
	visible    bool
	hiddenAt   time.Time
	effective  time.Duration
	generation uint64

	pollCancel    context.CancelFunc
	intervalCh    chan struct{}
	retryTimer    *time.Timer
	coalesceTimer *time.Timer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Injectable for tests
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

func New(cfg Config, fetcher Fetcher, tokens auth.TokenSource, collector telemetry.Collector) (*Manager, error) {
	errFactory := errors.New()

	if fetcher == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "fetcher required")
	}
	if tokens == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "token source required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg,
		fetcher:   fetcher,
		tokens:    tokens,
		brk:       breaker.New(cfg.FailureThreshold, cfg.Cooldown),
		collector: collector,
		current:   make(map[string]metrics.Snapshot),
		state: metrics.PollingState{
			AdaptiveInterval: cfg.DefaultInterval,
			Health:           metrics.HealthGood,
		},
		visible:    true,
		effective:  cfg.DefaultInterval,
		intervalCh: make(chan struct{}, 1),
		baseCtx:    ctx,
		baseCancel: cancel,
		now:        time.Now,
		afterFunc:  time.AfterFunc,
	}, nil
}

// Subscribe registers a callback with its desired refresh interval and
// synchronously delivers the current state, so a late joiner never sees
// an empty flash. The first subscriber starts polling; the returned
// Unsubscribe is idempotent and stops polling when it removes the last
// subscriber.
func (m *Manager) Subscribe(fn Callback, interval time.Duration) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = m.cfg.DefaultInterval
	}

	m.mu.Lock()
	m.nextSubID++
	sub := &subscriber{id: m.nextSubID, fn: fn, interval: interval}
	m.subs = append(m.subs, sub)
	m.recomputeIntervalLocked()
	if len(m.subs) == 1 {
		m.startPollingLocked()
	}
	notif := m.notificationLocked()
	m.mu.Unlock()

	m.invoke(sub, notif)

	id := sub.id

	return func() { m.unsubscribe(id) }
}

func (m *Manager) unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, sub := range m.subs {
		if sub.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	m.subs = append(m.subs[:idx], m.subs[idx+1:]...)
	m.recomputeIntervalLocked()
	if len(m.subs) == 0 {
		m.stopPollingLocked()
	}
}

// recomputeIntervalLocked derives the effective interval as the maximum
// of all subscriber intervals. Maximum, not minimum: one impatient
// consumer must not drag the shared cadence down onto a rate-limited
// endpoint.
func (m *Manager) recomputeIntervalLocked() {
	effective := m.cfg.DefaultInterval
	if len(m.subs) > 0 {
		effective = m.subs[0].interval
		for _, sub := range m.subs[1:] {
			if sub.interval > effective {
				effective = sub.interval
			}
		}
	}

	if effective == m.effective {
		return
	}

	m.effective = effective
	m.state.AdaptiveInterval = effective
	m.signalIntervalLocked()
}

func (m *Manager) startPollingLocked() {
	// Drain any leftover interval signal from a previous session
	select {
	case <-m.intervalCh:
	default:
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.pollCancel = cancel
	m.state.Active = true

	logger.Debug().Dur("interval", m.state.AdaptiveInterval).Msg("Polling started")

	go m.run(ctx)
}

// stopPollingLocked tears down every scheduled timer and bumps the
// fetch generation so an in-flight completion cannot mutate state after
// the last subscriber has left.
func (m *Manager) stopPollingLocked() {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.coalesceTimer != nil {
		m.coalesceTimer.Stop()
		m.coalesceTimer = nil
	}

	m.state.Active = false
	m.state.RetryCount = 0
	m.isLoading = false
	m.generation++

	logger.Debug().Msg("Polling stopped, last snapshot retained")
}

// run is the polling loop. An interval change fully stops and restarts
// the ticker rather than adjusting it mid-tick.
func (m *Manager) run(ctx context.Context) {
	m.maybeFetch(false, causeStartup)

	ticker := time.NewTicker(m.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.intervalCh:
			ticker.Stop()
			ticker = time.NewTicker(m.tickInterval())
		case <-ticker.C:
			m.maybeFetch(false, causePoll)
		}
	}
}

func (m *Manager) tickInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.AdaptiveInterval > 0 {
		return m.state.AdaptiveInterval
	}

	return m.cfg.DefaultInterval
}

func (m *Manager) signalIntervalLocked() {
	if !m.state.Active {
		return
	}

	select {
	case m.intervalCh <- struct{}{}:
	default:
	}
}

// SetVisible drives the visibility gate. Hiding suspends non-forced
// fetches; becoming visible again after a long gap issues one forced
// catch-up fetch that bypasses the debounce window but not the breaker.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	if visible == m.visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible

	if !visible {
		m.hiddenAt = m.now()
		m.mu.Unlock()
		logger.Debug().Msg("Hidden, polling suspended")
		return
	}

	elapsed := m.now().Sub(m.state.LastAttempt)
	active := m.state.Active
	m.mu.Unlock()

	if active && elapsed > m.cfg.VisibilityCatchup {
		logger.Debug().Dur("elapsed", elapsed).Msg("Visible again, forcing catch-up fetch")
		m.maybeFetch(true, causeVisibility)
	}
}

// TriggerRefresh requests fresher data outside the periodic cadence,
// typically after a write. Rapid repeated calls coalesce into a single
// forced fetch.
func (m *Manager) TriggerRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.coalesceTimer != nil {
		return
	}

	m.coalesceTimer = m.afterFunc(m.cfg.RefreshCoalesce, func() {
		m.mu.Lock()
		m.coalesceTimer = nil
		m.mu.Unlock()

		m.maybeFetch(true, causeManual)
	})
}

// InvalidateCache asks the backend to drop its stats cache. Best
// effort: failures are logged, never surfaced.
func (m *Manager) InvalidateCache() {
	if err := m.fetcher.InvalidateCache(m.baseCtx); err != nil {
		logger.Warn().Err(err).Msg("Cache invalidation failed")
	}
}

// State returns a copy of the current polling state.
func (m *Manager) State() metrics.PollingState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// LastMetrics returns a copy of the last known metrics snapshot.
func (m *Manager) LastMetrics() map[string]metrics.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make(map[string]metrics.Snapshot, len(m.current))
	for key, snapshot := range m.current {
		copied[key] = snapshot
	}

	return copied
}

// BreakerState exposes the circuit state for observability.
func (m *Manager) BreakerState() breaker.State {
	return m.brk.State()
}

// Close tears the manager down: all subscribers dropped, timers
// cancelled, in-flight fetches abandoned.
func (m *Manager) Close() {
	m.mu.Lock()
	m.subs = nil
	m.stopPollingLocked()
	m.mu.Unlock()

	m.baseCancel()
}

func (m *Manager) notificationLocked() metrics.Notification {
	copied := make(map[string]metrics.Snapshot, len(m.current))
	for key, snapshot := range m.current {
		copied[key] = snapshot
	}

	return metrics.Notification{
		Metrics:    copied,
		IsLoading:  m.isLoading,
		Err:        m.lastErr,
		RetryCount: m.state.RetryCount,
		Health:     m.state.Health,
	}
}

// invoke delivers one notification to one subscriber, isolating panics
// so a misbehaving callback cannot abort delivery to the rest.
func (m *Manager) invoke(sub *subscriber, notif metrics.Notification) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.New().WithData(errors.ErrSubscriberPanic, r)
			logger.ErrorWithCode(err).Uint64("subscriber", sub.id).Msg("Subscriber callback panicked")
		}
	}()

	sub.fn(notif)
}

func (m *Manager) deliver(subs []*subscriber, notif metrics.Notification) {
	for _, sub := range subs {
		m.invoke(sub, notif)
	}
}
