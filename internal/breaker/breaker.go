package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Breaker gates fetch attempts after repeated consecutive failures.
// Open short-circuits every attempt until the cooldown elapses, after
// which exactly one half-open probe is let through; its outcome decides
// whether the circuit closes again or re-opens with a fresh cooldown.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	lastFailure      time.Time
	openedAt         time.Time
	probeInFlight    bool
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

func New(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow reports whether an attempt may proceed. When the cooldown has
// elapsed it transitions open to half_open and hands out the single
// probe slot under the same lock, so concurrent callers cannot both win.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true

		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true

		return true
	}

	return false
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a failure. A half-open probe failure re-opens
// immediately and resets the cooldown clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false

		return
	}

	if b.state == StateClosed && b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current state without taking the probe slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}

	return b.state
}

// Snapshot holds breaker statistics for observability.
type Snapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
	OpenedAt    time.Time
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}
