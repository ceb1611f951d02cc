package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/amibaren/essaygrader/internal/domain"
)

// ErrCircuitOpen is returned while a role's breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 30 * time.Second
)

// breaker counts consecutive service failures per role. Once threshold is
// reached the role fails fast until reset has elapsed; then a single trial
// call is let through and its outcome closes or re-opens the breaker.
type breaker struct {
	threshold int
	reset     time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state map[domain.AgentRole]*breakerState
}

type breakerState struct {
	failures int
	openedAt time.Time
}

func newBreaker(threshold int, reset time.Duration, now func() time.Time) *breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if reset <= 0 {
		reset = defaultBreakerReset
	}
	return &breaker{threshold: threshold, reset: reset, now: now, state: make(map[domain.AgentRole]*breakerState)}
}

func (b *breaker) allow(role domain.AgentRole) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[role]
	if st == nil || st.failures < b.threshold {
		return true
	}
	if b.now().Sub(st.openedAt) < b.reset {
		return false
	}
	// Half-open: admit this caller and hold the others for another window.
	st.openedAt = b.now()
	return true
}

func (b *breaker) success(role domain.AgentRole) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.state, role)
	b.mu.Unlock()
}

func (b *breaker) failure(role domain.AgentRole) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[role]
	if st == nil {
		st = &breakerState{}
		b.state[role] = st
	}
	st.failures++
	if st.failures >= b.threshold {
		st.openedAt = b.now()
	}
}

// open reports whether role is currently rejecting calls.
func (b *breaker) open(role domain.AgentRole) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[role]
	return st != nil && st.failures >= b.threshold && b.now().Sub(st.openedAt) < b.reset
}
