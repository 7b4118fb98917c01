package poller

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/metricsync/internal/api"
	"codeberg.org/mutker/metricsync/internal/auth"
	"codeberg.org/mutker/metricsync/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	err     error
	result  map[string]metrics.Snapshot
	invErr  error
	invCall int
}

func (f *fakeFetcher) FetchMetrics(_ context.Context) (map[string]metrics.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	return f.result, nil
}

func (f *fakeFetcher) InvalidateCache(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invCall++

	return f.invErr
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

// fakeTimers records scheduled timers without letting them fire, so
// tests drive retries and coalesced refreshes by hand.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (ft *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.delays = append(ft.delays, d)
	ft.fns = append(ft.fns, fn)

	return time.NewTimer(time.Hour)
}

func (ft *fakeTimers) runLast() {
	ft.mu.Lock()
	fn := ft.fns[len(ft.fns)-1]
	ft.mu.Unlock()

	fn()
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return len(ft.fns)
}

type testEnv struct {
	manager *Manager
	fetcher *fakeFetcher
	timers  *fakeTimers
	clock   *time.Time
}

func newTestManager(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	fetcher := &fakeFetcher{
		result: map[string]metrics.Snapshot{
			"active_loans": {Value: 12, PreviousValue: 10},
		},
	}

	manager, err := New(cfg, fetcher, auth.NewStaticTokenSource("token"), nil)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	current := time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
	timers := &fakeTimers{}
	manager.now = func() time.Time { return current }
	manager.afterFunc = timers.afterFunc

	return &testEnv{manager: manager, fetcher: fetcher, timers: timers, clock: &current}
}

// activate puts the manager in the polling state without starting the
// run loop, so tests control every fetch themselves.
func (e *testEnv) activate() {
	e.manager.mu.Lock()
	e.manager.state.Active = true
	e.manager.mu.Unlock()
}

func (e *testEnv) waitCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.fetcher.callCount() >= n },
		time.Second, time.Millisecond, "expected %d fetch calls", n)
}

func (e *testEnv) waitState(t *testing.T, cond func(metrics.PollingState) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(e.manager.State()) },
		time.Second, time.Millisecond)
}

func TestEffectiveIntervalIsMax(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	unsub1 := env.manager.Subscribe(func(metrics.Notification) {}, 5*time.Second)
	defer unsub1()
	unsub2 := env.manager.Subscribe(func(metrics.Notification) {}, 30*time.Second)
	unsub3 := env.manager.Subscribe(func(metrics.Notification) {}, 10*time.Second)
	defer unsub3()

	assert.Equal(t, 30*time.Second, env.manager.State().AdaptiveInterval,
		"effective interval is the maximum, never the minimum")

	// Removing the max-interval subscriber recomputes correctly
	unsub2()
	assert.Equal(t, 10*time.Second, env.manager.State().AdaptiveInterval)
}

func TestIntervalFallbackWithoutSubscribers(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	unsub := env.manager.Subscribe(func(metrics.Notification) {}, 5*time.Second)
	unsub()

	assert.Equal(t, defaultInterval, env.manager.State().AdaptiveInterval)
}

func TestSubscribeDeliversCurrentStateSynchronously(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	var mu sync.Mutex
	var notifs []metrics.Notification
	record := func(n metrics.Notification) {
		mu.Lock()
		notifs = append(notifs, n)
		mu.Unlock()
	}

	unsub := env.manager.Subscribe(record, 5*time.Second)
	defer unsub()

	mu.Lock()
	require.NotEmpty(t, notifs, "first delivery happens during Subscribe")
	first := notifs[0]
	mu.Unlock()

	assert.Empty(t, first.Metrics, "late joiner starts from zeroed defaults")
	assert.Empty(t, first.Err)
	assert.Equal(t, metrics.HealthGood, first.Health)

	// The startup fetch resolves and a second delivery carries data
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := notifs[len(notifs)-1]
		return last.Metrics["active_loans"].Value == 12
	}, time.Second, time.Millisecond)
}

func TestUnsubscribeBeforeTickLeavesIdle(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	unsub := env.manager.Subscribe(func(metrics.Notification) {}, 5*time.Second)
	unsub()
	unsub() // Idempotent

	state := env.manager.State()
	assert.False(t, state.Active)

	env.manager.mu.Lock()
	assert.Nil(t, env.manager.retryTimer)
	assert.Nil(t, env.manager.coalesceTimer)
	assert.Nil(t, env.manager.pollCancel)
	env.manager.mu.Unlock()
}

func TestDebounceSuppressesSecondFetch(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()

	env.manager.maybeFetch(false, causePoll)
	env.manager.maybeFetch(false, causePoll)

	env.waitCalls(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, env.fetcher.callCount(), "second call within the debounce window is a no-op")

	// Past the window the next fetch goes through
	*env.clock = env.clock.Add(6 * time.Second)
	env.manager.maybeFetch(false, causePoll)
	env.waitCalls(t, 2)
}

func TestForcedFetchBypassesDebounce(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()

	env.manager.maybeFetch(false, causePoll)
	env.waitCalls(t, 1)

	env.manager.maybeFetch(true, causeManual)
	env.waitCalls(t, 2)
}

func TestHiddenSuppressesFetches(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()

	env.manager.SetVisible(false)
	env.manager.maybeFetch(false, causePoll)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, env.fetcher.callCount())
}

func TestVisibilityCatchup(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()

	env.manager.maybeFetch(false, causePoll)
	env.waitCalls(t, 1)

	env.manager.SetVisible(false)
	*env.clock = env.clock.Add(121 * time.Second)
	env.manager.SetVisible(true)

	env.waitCalls(t, 2)
}

func TestVisibilityReturnWithinThresholdNoFetch(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()

	env.manager.maybeFetch(false, causePoll)
	env.waitCalls(t, 1)

	env.manager.SetVisible(false)
	*env.clock = env.clock.Add(30 * time.Second)
	env.manager.SetVisible(true)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, env.fetcher.callCount())
}

func TestRateLimitSlowsAdaptiveInterval(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()
	env.fetcher.setErr(&api.RateLimitError{RetryAfter: 10 * time.Second})

	env.manager.maybeFetch(false, causePoll)

	env.waitState(t, func(s metrics.PollingState) bool {
		return s.AdaptiveInterval >= 20*time.Second && s.Health == metrics.HealthPoor
	})
}

func TestRateLimitSlowdownIsCapped(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()
	env.fetcher.setErr(&api.RateLimitError{RetryAfter: 10 * time.Minute})

	env.manager.maybeFetch(false, causePoll)

	env.waitState(t, func(s metrics.PollingState) bool {
		return s.AdaptiveInterval == defaultMaxAdaptive
	})
}

func TestRetryScheduleAndTerminalError(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()
	env.fetcher.setErr(stderrors.New("connection refused"))

	env.manager.maybeFetch(false, causePoll)
	env.waitState(t, func(s metrics.PollingState) bool { return s.RetryCount == 1 })

	env.timers.runLast()
	env.waitState(t, func(s metrics.PollingState) bool { return s.RetryCount == 2 })

	env.timers.runLast()
	env.waitState(t, func(s metrics.PollingState) bool { return s.RetryCount == 3 })

	env.timers.runLast()
	env.waitState(t, func(s metrics.PollingState) bool { return s.ConsecutiveFailures == 4 })

	env.timers.mu.Lock()
	delays := append([]time.Duration(nil), env.timers.delays...)
	env.timers.mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	env.manager.mu.Lock()
	lastErr := env.manager.lastErr
	env.manager.mu.Unlock()
	assert.Equal(t, "connection failed after 4 attempts", lastErr)
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	env := newTestManager(t, cfg)
	env.activate()
	env.fetcher.setErr(stderrors.New("boom"))

	// Walk up to the failure threshold: each cycle is one periodic
	// attempt plus its single retry.
	for env.manager.State().ConsecutiveFailures < 5 {
		before := env.manager.State().ConsecutiveFailures
		*env.clock = env.clock.Add(6 * time.Second)
		if env.timers.count() > 0 && env.manager.State().RetryCount > 0 {
			env.timers.runLast()
		} else {
			env.manager.maybeFetch(false, causePoll)
		}
		env.waitState(t, func(s metrics.PollingState) bool {
			return s.ConsecutiveFailures > before
		})
	}

	assert.Equal(t, "open", string(env.manager.BreakerState()))

	// Every further attempt is short-circuited without network I/O
	calls := env.fetcher.callCount()
	*env.clock = env.clock.Add(6 * time.Second)
	env.manager.maybeFetch(false, causePoll)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, env.fetcher.callCount())
	assert.Equal(t, metrics.HealthOffline, env.manager.State().Health)
}

func TestErrorClearsOnlyOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	env := newTestManager(t, cfg)
	env.activate()
	env.fetcher.setErr(stderrors.New("boom"))

	env.manager.maybeFetch(false, causePoll)
	env.waitState(t, func(s metrics.PollingState) bool { return s.RetryCount == 1 })
	env.timers.runLast()
	env.waitState(t, func(s metrics.PollingState) bool { return s.ConsecutiveFailures == 2 })

	env.manager.mu.Lock()
	assert.NotEmpty(t, env.manager.lastErr)
	env.manager.mu.Unlock()

	env.fetcher.setErr(nil)
	*env.clock = env.clock.Add(6 * time.Second)
	env.manager.maybeFetch(false, causePoll)

	env.waitState(t, func(s metrics.PollingState) bool {
		return s.Health == metrics.HealthGood && s.ConsecutiveFailures == 0
	})

	env.manager.mu.Lock()
	assert.Empty(t, env.manager.lastErr, "error clears on the next successful fetch")
	env.manager.mu.Unlock()
}

func TestManualRefreshCoalesces(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()

	env.manager.TriggerRefresh()
	env.manager.TriggerRefresh()
	env.manager.TriggerRefresh()

	assert.Equal(t, 1, env.timers.count(), "rapid refresh requests coalesce into one timer")
	assert.Equal(t, defaultRefreshCoalesce, env.timers.delays[0])

	env.timers.runLast()
	env.waitCalls(t, 1)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	var mu sync.Mutex
	var gotValue float64

	unsub1 := env.manager.Subscribe(func(metrics.Notification) {
		panic("misbehaving consumer")
	}, 5*time.Second)
	defer unsub1()

	unsub2 := env.manager.Subscribe(func(n metrics.Notification) {
		mu.Lock()
		gotValue = n.Metrics["active_loans"].Value
		mu.Unlock()
	}, 5*time.Second)
	defer unsub2()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotValue == 12
	}, time.Second, time.Millisecond, "delivery continues past a panicking subscriber")
}

func TestSnapshotRetainedAcrossIdle(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	unsub := env.manager.Subscribe(func(metrics.Notification) {}, 5*time.Second)
	env.waitCalls(t, 1)
	require.Eventually(t, func() bool {
		return env.manager.LastMetrics()["active_loans"].Value == 12
	}, time.Second, time.Millisecond)
	unsub()

	assert.False(t, env.manager.State().Active)
	assert.InDelta(t, 12.0, env.manager.LastMetrics()["active_loans"].Value, 0.001,
		"last known snapshot survives subscriber churn")

	// The next subscriber sees the retained data synchronously
	var first metrics.Notification
	done := make(chan struct{})
	once := sync.Once{}
	unsub2 := env.manager.Subscribe(func(n metrics.Notification) {
		once.Do(func() {
			first = n
			close(done)
		})
	}, 5*time.Second)
	defer unsub2()

	<-done
	assert.InDelta(t, 12.0, first.Metrics["active_loans"].Value, 0.001)
}

func TestStaleFetchResultIsDropped(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.activate()

	env.manager.mu.Lock()
	env.manager.generation++
	gen := env.manager.generation
	env.manager.generation++ // A newer fetch was accepted meanwhile
	env.manager.mu.Unlock()

	env.manager.doFetch(gen, causePoll)

	assert.Empty(t, env.manager.LastMetrics(), "stale completion must not mutate state")
}

func TestMissingTokenIsSilentNoop(t *testing.T) {
	fetcher := &fakeFetcher{}
	manager, err := New(DefaultConfig(), fetcher, auth.NewStaticTokenSource(""), nil)
	require.NoError(t, err)
	defer manager.Close()

	unsub := manager.Subscribe(func(metrics.Notification) {}, 5*time.Second)
	defer unsub()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fetcher.callCount(), "no token means no network call")
	assert.Equal(t, metrics.HealthGood, manager.State().Health, "missing token is never an error state")
}

func TestInvalidateCacheBestEffort(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	env.fetcher.invErr = stderrors.New("cache service down")

	env.manager.InvalidateCache() // Must not panic or surface the error

	env.fetcher.mu.Lock()
	assert.Equal(t, 1, env.fetcher.invCall)
	env.fetcher.mu.Unlock()
}

func TestRetryDelays(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(1))
	assert.Equal(t, 2*time.Second, retryDelay(2))
	assert.Equal(t, 4*time.Second, retryDelay(3))
	assert.Equal(t, 8*time.Second, retryDelay(4))
	assert.Equal(t, 10*time.Second, retryDelay(5), "delay is capped")
}
