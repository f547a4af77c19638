// Package circuitbreaker keeps the dispatcher from hammering a channel
// provider that is down. After Threshold provider faults in a row the
// breaker opens and rejects sends; once Cooldown has passed it lets a few
// trial sends through and closes again on the first good one.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
)

// State is the breaker position. The numeric value is exported as a gauge.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes one breaker. Zero values fall back to DefaultConfig.
type Config struct {
	Name string
	// Threshold is the run of consecutive provider faults that opens it.
	Threshold int
	// Cooldown is the time spent open before trial sends are let through.
	Cooldown time.Duration
	// Trials caps concurrent sends while half-open.
	Trials int
}

// DefaultConfig is used for every channel.
func DefaultConfig(name string) Config {
	return Config{Name: name, Threshold: 5, Cooldown: 30 * time.Second, Trials: 1}
}

type counters struct {
	calls     int64
	successes int64
	failures  int64
	rejected  int64
	released  int64
}

// CircuitBreaker guards a single provider. Safe for concurrent use.
type CircuitBreaker struct {
	cfg    Config
	clk    clock.Clock
	log    *zap.Logger
	notify func(name string, s State)

	mu          sync.Mutex
	state       State
	since       time.Time
	streak      int
	openedAt    time.Time
	lastFailure time.Time
	trials      int
	n           counters
}

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clk = c }
}

// OnStateChange registers fn for every state change. fn runs with the
// breaker locked and must not call back into it.
func OnStateChange(fn func(name string, s State)) Option {
	return func(cb *CircuitBreaker) { cb.notify = fn }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = def.Trials
	}

	cb := &CircuitBreaker{cfg: cfg, clk: clock.Real{}, log: logger.With(zap.String("breaker", cfg.Name))}
	for _, opt := range opts {
		opt(cb)
	}
	cb.since = cb.clk.Now()
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State reports the current position without moving it. An open breaker
// whose cooldown has passed still reads open until the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reserves a call. Every true must be followed by exactly one of
// Success, Failure or Release.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.n.calls++
	if cb.state == StateOpen && cb.clk.Now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.trials < cb.cfg.Trials {
			cb.trials++
			return true
		}
	}
	cb.n.rejected++
	return false
}

// Success ends a call the provider accepted.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.n.successes++
	cb.streak = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.log.Info("provider recovered")
	}
}

// Failure ends a call the provider failed.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clk.Now()
	cb.n.failures++
	cb.streak++
	cb.lastFailure = now

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.streak >= cb.cfg.Threshold) {
		cb.openedAt = now
		cb.setState(StateOpen)
		cb.log.Warn("provider marked down",
			zap.Int("consecutive_failures", cb.streak),
			zap.Duration("cooldown", cb.cfg.Cooldown),
		)
	}
}

// Release ends a call whose outcome says nothing about provider health,
// such as a cancelled context or an unreachable recipient. The streak is
// left alone and a half-open trial slot is handed back.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.n.released++
	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
}

// Stats is the breaker as reported by GET /v1/channels.
type Stats struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	Since               time.Time  `json:"state_since"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Calls               int64      `json:"calls"`
	Successes           int64      `json:"successes"`
	Failures            int64      `json:"failures"`
	Rejected            int64      `json:"rejected"`
	Released            int64      `json:"released"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:                cb.cfg.Name,
		State:               cb.state.String(),
		Since:               cb.since,
		ConsecutiveFailures: cb.streak,
		Calls:               cb.n.calls,
		Successes:           cb.n.successes,
		Failures:            cb.n.failures,
		Rejected:            cb.n.rejected,
		Released:            cb.n.released,
	}
	if !cb.lastFailure.IsZero() {
		last := cb.lastFailure
		s.LastFailure = &last
	}
	return s
}

// setState requires cb.mu.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.since = cb.clk.Now()
	cb.trials = 0

	cb.log.Debug("breaker state change", zap.Stringer("from", from), zap.Stringer("to", to))
	if cb.notify != nil {
		cb.notify(cb.cfg.Name, to)
	}
}
