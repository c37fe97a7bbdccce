// Package circuitbreaker stops hammering a ledger node that keeps failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/metrics"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a breaker. Zero values take defaults.
type Config struct {
	Name             string        // metric label, e.g. "node-0001"
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // half-open successes before closing (default 2)
	OpenTimeout      time.Duration // time spent open before probing (default 30s)

	// Trips decides whether an error counts as a failure. Errors the node
	// reports about the request itself should not open the circuit.
	// Defaults to every non-nil error.
	Trips         func(error) bool
	OnStateChange func(name string, from, to State)
}

// Breaker lets one probe through at a time while half-open.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	failures     int
	successes    int
	probing      bool
	lastFailedAt time.Time
	nowFn        func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Trips == nil {
		cfg.Trips = func(err error) bool { return err != nil }
	}
	b := &Breaker{cfg: cfg, nowFn: time.Now}
	b.publish()
	return b
}

// Do runs fn when the breaker admits it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && b.cfg.Trips(err) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Allow admits a call or returns ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	switch b.state {
	case StateOpen:
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.cfg.Name)
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, b.cfg.Name)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.probing = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setStateLocked(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.successes = 0
	b.lastFailedAt = b.nowFn()
	switch {
	case b.state == StateHalfOpen:
		b.setStateLocked(StateOpen)
	case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
		b.setStateLocked(StateOpen)
	}
}

// State returns the current state, moving open to half-open once the open
// timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.nowFn().Sub(b.lastFailedAt) > b.cfg.OpenTimeout {
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) setStateLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	b.probing = false
	if to == StateClosed {
		b.failures = 0
	}
	b.publish()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

func (b *Breaker) publish() {
	if b.cfg.Name != "" {
		metrics.CircuitBreakerState.WithLabelValues(b.cfg.Name).Set(float64(b.state))
	}
}
