// Package breaker guards calls to a degraded dependency. Each Breaker is a
// closed/open/half_open state machine driven by sony/gobreaker: failures trip
// it open, calls fail fast with ErrCircuitOpen until the recovery timeout
// elapses, and a single trial call then decides between closed and open.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// State is the breaker state. The numeric values are exported as the
// circuit_breaker_state gauge.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultMinRequests      = 10
)

// Config tunes a breaker.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before a trial call.
	RecoveryTimeout time.Duration
	// FailureRateThreshold trips the breaker when the failure fraction in the
	// current Window reaches it. Zero disables rate tripping.
	FailureRateThreshold float64
	// MinRequests is the sample size required before the rate applies.
	MinRequests int
	// Window clears the closed-state counters periodically. Zero keeps them
	// until the next state change.
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.MinRequests <= 0 {
		c.MinRequests = DefaultMinRequests
	}
	return c
}

// Observer receives state transitions and failures, typically the metrics
// collector.
type Observer interface {
	BreakerState(name string, state State)
	BreakerFailure(name string)
}

// Options carries the optional collaborators of a breaker.
type Options struct {
	Logger   logging.ServiceLogger
	Observer Observer
	// Ignore reports errors that are returned to the caller without counting
	// against the dependency, such as invalid input. context.Canceled is
	// always ignored.
	Ignore func(error) bool
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Requests            uint32    `json:"requests"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	TotalFailures       uint32    `json:"total_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Breaker wraps one call site.
type Breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker[struct{}]
	logger   logging.ServiceLogger
	observer Observer
	ignore   func(error) bool

	mu          sync.Mutex
	lastFailure time.Time
	lastError   string
}

// New creates a closed breaker.
func New(name string, cfg Config, opts Options) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:     name,
		logger:   logging.OrNop(opts.Logger).With(logging.LogFields{"breaker": name}),
		observer: opts.Observer,
		ignore:   opts.Ignore,
	}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold) {
				return true
			}
			requests := counts.TotalSuccesses + counts.TotalFailures
			if cfg.FailureRateThreshold <= 0 || requests < uint32(cfg.MinRequests) {
				return false
			}
			return float64(counts.TotalFailures)/float64(requests) >= cfg.FailureRateThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.logger.Info("Circuit breaker state changed", logging.LogFields{
				"from": fromGobreaker(from).String(),
				"to":   fromGobreaker(to).String(),
			})
			if b.observer != nil {
				b.observer.BreakerState(name, fromGobreaker(to))
			}
		},
		// Ignored errors count neither as success nor as failure, so they
		// never reset a run of consecutive failures.
		IsExcluded: func(err error) bool {
			return err != nil && b.ignored(err)
		},
	})
	if b.observer != nil {
		b.observer.BreakerState(name, StateClosed)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs op unless the breaker is open. While open, or while the single
// half_open trial is in flight, it returns ErrCircuitOpen without invoking op.
// Errors from op are returned unchanged.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return errspkg.FromContext("circuit_breaker", err)
	}
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errspkg.Ef("circuit_breaker", errspkg.ErrCircuitOpen, "breaker %q is %s", b.name, b.State())
	}
	if err != nil && !b.ignored(err) {
		b.recordFailure(err)
	}
	return err
}

func (b *Breaker) ignored(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return b.ignore != nil && b.ignore(err)
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.lastError = err.Error()
	b.mu.Unlock()
	if b.observer != nil {
		b.observer.BreakerFailure(b.name)
	}
}

// State returns the current state. An open breaker whose recovery timeout
// elapsed reports half_open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	counts := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               state.String(),
		Requests:            counts.Requests,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		LastFailure:         b.lastFailure,
		LastError:           b.lastError,
	}
}
