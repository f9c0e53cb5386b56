// Package circuitbreaker guards outbound dependencies (model sidecar,
// search service, redis) with a three-state breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker tuning.
type Config struct {
	MaxRequests      uint32        // max probes in half-open state
	Interval         time.Duration // counter reset interval while closed
	Timeout          time.Duration // open -> half-open wait
	FailureThreshold uint32        // consecutive failures to trip
	SuccessThreshold uint32        // consecutive successes to recover
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// HTTPConfig tunes breakers for HTTP capability services.
func HTTPConfig() Config {
	c := DefaultConfig()
	c.Timeout = 15 * time.Second
	return c
}

// RedisConfig tunes breakers for the event publisher; Redis loss is
// tolerated, so it trips fast and probes often.
func RedisConfig() Config {
	c := DefaultConfig()
	c.FailureThreshold = 3
	c.Timeout = 5 * time.Second
	return c
}

// Counts is a snapshot of the tallies in the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker admits or rejects calls based on recent outcomes. Closed, it
// passes everything and trips open after FailureThreshold consecutive
// failures. Open, it rejects with ErrOpen until Timeout passes, then
// admits at most MaxRequests half-open probes at a time. Probe
// successes reaching SuccessThreshold close it; any probe failure
// reopens it.
type Breaker struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu         sync.RWMutex
	state      State
	window     uint64    // bumped on state change and interval rollover
	windowEnds time.Time // closed: tally reset due; open: probe due; zero: no timer
	seen       uint32
	okTotal    uint32
	failTotal  uint32
	okStreak   uint32
	failStreak uint32
}

// New creates a breaker in the closed state.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	b := &Breaker{name: name, cfg: cfg, log: logger, state: StateClosed}
	b.startWindow(time.Now())
	return b
}

// Execute runs fn when the breaker admits the call. A panic inside fn
// counts as a failure before it propagates.
func (b *Breaker) Execute(_ context.Context, fn func() error) error {
	window, err := b.admit(time.Now())
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(window, false)
			panic(r)
		}
	}()

	err = fn()
	b.record(window, err == nil)
	return err
}

// State returns the current state without advancing timers.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Counts returns a snapshot of the current window.
func (b *Breaker) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Counts{
		Requests:             b.seen,
		TotalSuccesses:       b.okTotal,
		TotalFailures:        b.failTotal,
		ConsecutiveSuccesses: b.okStreak,
		ConsecutiveFailures:  b.failStreak,
	}
}

// admit decides whether a call may proceed and returns the window it
// belongs to.
func (b *Breaker) admit(now time.Time) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(now)
	if b.state == StateOpen {
		return b.window, ErrOpen
	}
	if b.state == StateHalfOpen && b.seen >= b.cfg.MaxRequests {
		return b.window, ErrTooManyRequests
	}

	b.seen++
	return b.window, nil
}

// record applies a call outcome. Outcomes from a window that has since
// rolled over are discarded.
func (b *Breaker) record(window uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(now)
	if window != b.window {
		return
	}

	if ok {
		b.okTotal++
		switch b.state {
		case StateClosed:
			b.failStreak = 0
		case StateHalfOpen:
			b.okStreak++
			if b.okStreak >= b.cfg.SuccessThreshold {
				b.shift(StateClosed, now)
			}
		}
		return
	}

	b.failTotal++
	switch b.state {
	case StateClosed:
		b.failStreak++
		if b.failStreak >= b.cfg.FailureThreshold {
			b.shift(StateOpen, now)
		}
	case StateHalfOpen:
		b.shift(StateOpen, now)
	}
}

// advance moves timer-driven transitions forward. Callers hold mu.
func (b *Breaker) advance(now time.Time) {
	if b.windowEnds.IsZero() || !b.windowEnds.Before(now) {
		return
	}
	switch b.state {
	case StateClosed:
		// Interval rollover, tallies start over.
		b.startWindow(now)
	case StateOpen:
		b.shift(StateHalfOpen, now)
	}
}

// shift changes state and notifies observers. Callers hold mu.
func (b *Breaker) shift(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.startWindow(now)

	metrics.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
	b.log.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// startWindow begins a fresh tally window for the current state.
// Callers hold mu.
func (b *Breaker) startWindow(now time.Time) {
	b.window++
	b.seen, b.okTotal, b.failTotal = 0, 0, 0
	b.okStreak, b.failStreak = 0, 0

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.windowEnds = now.Add(b.cfg.Interval)
		} else {
			b.windowEnds = time.Time{}
		}
	case StateOpen:
		b.windowEnds = now.Add(b.cfg.Timeout)
	default:
		b.windowEnds = time.Time{}
	}
}
