package payment

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type BreakerConfig struct {
	Name             string
	MaxFailures      int
	OpenTimeout      time.Duration
	HalfOpenMaxCalls int
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker stops calling the payment backend after MaxFailures consecutive
// failures and probes it again once OpenTimeout has elapsed.
type Breaker struct {
	config BreakerConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	halfOpenCalls    int
	lastStateChange  time.Time
}

func NewBreaker(config BreakerConfig, logger *zap.SugaredLogger) *Breaker {
	defaults := DefaultBreakerConfig(config.Name)
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Breaker{
		config:          config,
		logger:          logger.With("circuit_breaker", config.Name),
		now:             time.Now,
		state:           BreakerClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err)
	return err
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastStateChange) < b.config.OpenTimeout {
			return ErrCircuitOpen
		}
		b.setState(BreakerHalfOpen)
		b.logger.Infow("circuit breaker half-open")
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFails = 0
		if b.state == BreakerHalfOpen {
			b.setState(BreakerClosed)
			b.logger.Infow("circuit breaker closed after recovery")
		}
		return
	}

	b.consecutiveFails++
	switch b.state {
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
		b.logger.Warnw("circuit breaker reopened", "error", err)
	case BreakerClosed:
		if b.consecutiveFails >= b.config.MaxFailures {
			b.setState(BreakerOpen)
			b.logger.Warnw("circuit breaker opened", "consecutive_failures", b.consecutiveFails, "error", err)
		}
	}
}

func (b *Breaker) setState(state BreakerState) {
	b.state = state
	b.halfOpenCalls = 0
	b.lastStateChange = b.now()
}
