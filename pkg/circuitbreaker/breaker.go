// Package circuitbreaker gates outbound ad-platform calls per account.
// Sustained failures for one account must not burn queue attempts or drag
// down unrelated accounts, so each account gets its own breaker.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker. Zero values take the defaults below.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int
	// CoolDown is how long an open breaker rejects before allowing a
	// single half-open probe.
	CoolDown time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 5 * time.Minute
	}
}

// Breaker tracks consecutive failures for one account. Callers ask Allow
// before a platform call and report the outcome with RecordSuccess or
// RecordFailure.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// SetClock overrides the clock, for cool-down tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed, and when to retry if not.
// After the cool-down it admits exactly one probe; further callers are
// rejected until that probe reports its outcome.
func (b *Breaker) Allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, time.Time{}
	case StateOpen:
		retryAt := b.openedAt.Add(b.cfg.CoolDown)
		if b.now().Before(retryAt) {
			return false, retryAt
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true, time.Time{}
	case StateHalfOpen:
		if b.probeInFlight {
			return false, b.openedAt.Add(b.cfg.CoolDown)
		}
		b.probeInFlight = true
		return true, time.Time{}
	}
	return false, b.now()
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// CancelProbe releases a half-open probe slot without recording an
// outcome, for callers that never reached the downstream call.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// RecordFailure extends the failure streak. A half-open probe failure
// reopens immediately and restarts the cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probeInFlight = false
}

// State returns the current position, resolving an elapsed cool-down the
// same way Allow would report it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure streak.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Pool hands out one breaker per account.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	breakers map[string]*Breaker
}

// NewPool creates a pool where every breaker shares cfg.
func NewPool(cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// SetClock overrides the clock for all breakers created afterwards.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	for _, b := range p.breakers {
		b.SetClock(now)
	}
}

// For returns the breaker for accountID, creating it on first use.
func (p *Pool) For(accountID string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[accountID]
	if !ok {
		b = New(p.cfg)
		if p.now != nil {
			b.SetClock(p.now)
		}
		p.breakers[accountID] = b
	}
	return b
}

// States snapshots every account's breaker state, for health reporting.
func (p *Pool) States() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]State, len(p.breakers))
	for id, b := range p.breakers {
		out[id] = b.State()
	}
	return out
}
