package recovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	// BreakerClosed passes operations through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails operations fast until the recovery window passes.
	BreakerOpen
	// BreakerHalfOpen admits a single probe operation.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive same-class failures. While open
// it fails operations fast; once the recovery window passes it admits
// exactly one probe, and the probe's outcome decides between closing and
// reopening.
type Breaker struct {
	mu sync.Mutex

	class     errors.Class
	threshold int
	recovery  time.Duration

	state    BreakerState
	failures int
	reopenAt time.Time
	probing  bool

	clock  func() time.Time
	logger *zap.Logger
}

// NewBreaker creates a closed breaker for one error class.
func NewBreaker(class errors.Class, threshold int, recovery time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		class:     class,
		threshold: threshold,
		recovery:  recovery,
		clock:     time.Now,
		logger: logger.Get().With(
			zap.String("component", "circuit_breaker"),
			zap.String("class", string(class))),
	}
}

// AcquireResult is the breaker's verdict on an operation about to run.
type AcquireResult int

const (
	// AcquirePass means the breaker is closed and the operation proceeds.
	AcquirePass AcquireResult = iota
	// AcquireProbe means the caller holds the single half-open probe slot
	// and must resolve it with RecordSuccess, RecordFailure, or
	// ReleaseProbe.
	AcquireProbe
	// AcquireBlocked means the operation must fail fast.
	AcquireBlocked
)

// Acquire asks whether the caller may proceed. When the recovery window
// has passed, the first caller through becomes the probe; everyone else
// keeps failing fast until the probe resolves.
func (b *Breaker) Acquire() AcquireResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return AcquirePass

	case BreakerOpen:
		if b.clock().Before(b.reopenAt) {
			return AcquireBlocked
		}
		b.state = BreakerHalfOpen
		b.probing = true
		b.logger.Info("circuit breaker half-open, admitting probe")
		return AcquireProbe

	case BreakerHalfOpen:
		if b.probing {
			return AcquireBlocked
		}
		b.probing = true
		return AcquireProbe

	default:
		return AcquireBlocked
	}
}

// RecordSuccess resets the consecutive failure count and closes a
// half-open breaker whose probe succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
		b.logger.Info("circuit breaker closed")
	}
}

// RecordFailure counts a failure. At the threshold the breaker opens; a
// failed half-open probe reopens it for another recovery window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.reopenAt = b.clock().Add(b.recovery)
			b.logger.Warn("circuit breaker opened",
				zap.Int("consecutive_failures", b.failures),
				zap.Time("retry_after", b.reopenAt))
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.probing = false
		b.reopenAt = b.clock().Add(b.recovery)
		b.logger.Warn("circuit breaker reopened, probe failed",
			zap.Time("retry_after", b.reopenAt))
	}
}

// ReleaseProbe returns an unclaimed probe slot. Used when a half-open
// breaker granted passage but the operation failed with a different error
// class, so this breaker never saw a verdict.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
