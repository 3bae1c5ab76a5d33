package settle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the circuit breaker trip state.
type BreakerState int32

const (
	// StateClosed: requests flow normally.
	StateClosed BreakerState = iota
	// StateOpen: requests are rejected without touching the relay.
	StateOpen
	// StateHalfOpen: exactly one probe request is allowed through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// DefaultBreakerThreshold is the consecutive-failure count that opens
	// the circuit.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is how long the circuit stays open before a
	// probe is allowed.
	DefaultBreakerCooldown = 30 * time.Second
)

// BreakerConfig configures a CircuitBreaker. Zero values fall back to the
// defaults above.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
	Logger    zerolog.Logger
	Metrics   *Metrics

	// now is injectable for tests.
	now func() time.Time
}

// CircuitBreaker protects the relay from load while it is degraded. It must
// be shared by every call path that submits to the same relay endpoint:
// one breaker per endpoint, not per call.
//
// Transitions: CLOSED→OPEN after Threshold consecutive failures; OPEN→
// HALF_OPEN once Cooldown has elapsed; HALF_OPEN→CLOSED on one probe
// success, HALF_OPEN→OPEN on one probe failure.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker builds a breaker with defaults applied.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the current trip state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker. If the circuit is open and the
// cooldown has not elapsed, fn is not called at all and KindCircuitOpen is
// returned immediately. In HALF_OPEN exactly one probe runs; concurrent
// calls during the probe are rejected, not queued.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		b.cfg.Metrics.breakerRejection()
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return Errorf(KindCircuitOpen, "relay circuit open, retry after %s", b.cfg.Cooldown)
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return NewError(KindCircuitOpen, "relay circuit probing, try later")
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	if b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.failures = 0
	b.openedAt = b.cfg.now()
	b.setState(StateOpen)
	b.cfg.Metrics.breakerTrip()
	b.cfg.Logger.Warn().
		Str("state", StateOpen.String()).
		Dur("cooldown", b.cfg.Cooldown).
		Msg("relay circuit opened")
}

// setState must be called with b.mu held.
func (b *CircuitBreaker) setState(s BreakerState) {
	b.state = s
	b.cfg.Metrics.breakerState(s)
}
