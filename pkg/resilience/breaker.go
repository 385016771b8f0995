package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

// BreakerState represents the state of a circuit breaker
type BreakerState string

const (
	// BreakerClosed allows calls to pass through
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fails calls fast without invoking the upstream
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a bounded number of trial calls
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a circuit breaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a
	// trial call is admitted.
	RecoveryTimeout time.Duration
	// HalfOpenTrials is both the cap on concurrent trial calls in the
	// half-open state and the number of successes required to close.
	HalfOpenTrials int
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenTrials:   3,
	}
}

// Breaker is the failure-isolating state machine guarding calls to one
// upstream key. Exactly one instance exists per key for the process
// lifetime; every caller targeting that key shares it, so all
// read-modify-write sequences happen under the mutex.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state               BreakerState
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	openedAt            time.Time

	// key and onTransition are set by BreakerGroup so state changes can
	// be reported per upstream.
	key          string
	onTransition func(key string, from, to BreakerState)

	// now is injectable for deterministic state-machine tests
	now func() time.Time
}

// NewBreaker creates a circuit breaker in the closed state
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = DefaultBreakerConfig().HalfOpenTrials
	}

	return &Breaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Call executes fn under the breaker's admission policy. In the open
// state it fails fast with domain.ErrCircuitOpen without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(err == nil)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return fmt.Errorf("%w: retry after %s", domain.ErrCircuitOpen, b.cfg.RecoveryTimeout)
		}
		b.transition(BreakerHalfOpen)
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 1
		return nil
	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenTrials {
			return fmt.Errorf("%w: trial calls exhausted", domain.ErrCircuitOpen)
		}
		b.halfOpenInFlight++
		return nil
	}

	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.halfOpenInFlight--
		if !success {
			// A single trial failure reopens the circuit.
			b.trip()
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenTrials {
			b.transition(BreakerClosed)
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 0
		}
	case BreakerOpen:
		// A call admitted before the trip finished after it; its
		// outcome no longer affects the open circuit.
	}
}

func (b *Breaker) trip() {
	b.transition(BreakerOpen)
	b.openedAt = b.now()
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
}

// transition changes state and reports it. Caller must hold b.mu.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onTransition != nil && from != to {
		b.onTransition(b.key, from, to)
	}
}

// State returns the breaker's current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current closed-state failure count
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Reset returns the breaker to the closed state with counters cleared
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(BreakerClosed)
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
}

// BreakerGroup holds one breaker per upstream key, created lazily with
// a shared configuration.
type BreakerGroup struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	breakers     map[string]*Breaker
	onTransition func(key string, from, to BreakerState)
}

// NewBreakerGroup creates a breaker group with the given per-key config
func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// OnTransition registers a hook invoked on every state change of the
// group's breakers. Register it before the first Get; breakers created
// earlier keep running without the hook.
func (g *BreakerGroup) OnTransition(fn func(key string, from, to BreakerState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTransition = fn
}

// Get returns the breaker for an upstream key, creating it on first use
func (g *BreakerGroup) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, exists := g.breakers[key]
	if !exists {
		b = NewBreaker(g.cfg)
		b.key = key
		b.onTransition = g.onTransition
		g.breakers[key] = b
	}
	return b
}
