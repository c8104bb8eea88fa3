package circuitbreaker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// State is the breaker state as reported by gobreaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    after RecoveryTimeout
//	HalfOpen -> Closed:  HalfOpenMaxRequests probes succeed
//	HalfOpen -> Open:    a probe fails
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// ErrCircuitOpen is returned while a provider is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the provider, e.g. "ses", "sns-sms", "push".
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is how many probes are let through while half-open.
	HalfOpenMaxRequests uint32

	// OnStateChange is called after every transition, in addition to logging.
	OnStateChange func(name string, from, to State)

	// Ignore reports errors that say nothing about provider health, such as
	// a recipient without a phone number. They count as successes.
	Ignore func(err error) bool
}

// DefaultConfig returns the settings used for every channel provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker fails calls fast while a downstream provider is failing.
type CircuitBreaker struct {
	config   Config
	breaker  *gobreaker.CircuitBreaker[struct{}]
	logger   *zap.Logger
	rejected atomic.Int64
}

// New creates a CircuitBreaker backed by gobreaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{config: cfg, logger: logger}

	threshold := cfg.MaxFailures
	cb.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (cfg.Ignore != nil && cfg.Ignore(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Warn("circuit breaker opened",
					zap.String("name", name),
					zap.String("from", from.String()),
				)
			} else {
				logger.Info("circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Uint32("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Name returns the provider name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute runs fn through the breaker. While open, fn is not called and the
// returned error wraps ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.config.Name)
	}
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	return cb.breaker.State()
}

// Stats is a monitoring snapshot.
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalRejected       int64  `json:"total_rejected"`
}

// Stats returns the counts of the current gobreaker generation plus the
// lifetime number of rejected calls.
func (cb *CircuitBreaker) Stats() Stats {
	counts := cb.breaker.Counts()
	return Stats{
		Name:                cb.config.Name,
		State:               cb.breaker.State().String(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalRejected:       cb.rejected.Load(),
	}
}

func (cb *CircuitBreaker) String() string {
	return fmt.Sprintf("CircuitBreaker[%s] state=%s", cb.config.Name, cb.breaker.State())
}
