// Package ratelimit paces requests against the source API with a token
// bucket. The bucket reacts to throttling: a 429 response halves the refill
// rate, and sustained successes climb it back toward the configured base.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// minRateFraction is the floor the adaptive rate can decay to.
const minRateFraction = 0.1

// Limiter is a token bucket with adaptive refill. Tokens accrue at the
// current rate up to the burst size; each request consumes one.
type Limiter struct {
	mu sync.Mutex

	baseRate float64
	rate     float64
	burst    int
	tokens   float64
	lastTime time.Time

	allowed   int64
	throttled int64
	totalWait time.Duration

	clock func() time.Time
}

// Stats is a snapshot of limiter activity.
type Stats struct {
	BaseRate        float64       `json:"base_rate"`
	CurrentRate     float64       `json:"current_rate"`
	Burst           int           `json:"burst"`
	Allowed         int64         `json:"allowed"`
	Throttled       int64         `json:"throttled"`
	CurrentTokens   float64       `json:"current_tokens"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// New creates a limiter issuing rate tokens per second with the given
// burst capacity. The bucket starts full.
func New(rate float64, burst int) *Limiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		baseRate: rate,
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		clock:    time.Now,
	}
	l.lastTime = l.clock()
	return l
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1.0 {
		l.tokens--
		l.allowed++
		return true
	}
	return false
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := l.clock()

	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1.0 {
			l.tokens--
			l.allowed++
			l.totalWait += l.clock().Sub(start)
			l.mu.Unlock()
			return nil
		}
		deficit := 1.0 - l.tokens
		wait := time.Duration(deficit / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordResponse feeds the adaptive loop. Throttled responses (429) halve
// the rate down to a floor; successes nudge it back up toward the base.
func (l *Limiter) RecordResponse(status int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case status == 429:
		l.throttled++
		floor := l.baseRate * minRateFraction
		l.rate = l.rate / 2
		if l.rate < floor {
			l.rate = floor
		}
	case status >= 200 && status < 300:
		if l.rate < l.baseRate {
			l.rate = l.rate * 1.1
			if l.rate > l.baseRate {
				l.rate = l.baseRate
			}
		}
	}
}

// Rate returns the current refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// SetRate replaces the base and current rate.
func (l *Limiter) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baseRate = rate
	l.rate = rate
}

// Stats returns a snapshot of limiter activity.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	avg := time.Duration(0)
	if l.allowed > 0 {
		avg = l.totalWait / time.Duration(l.allowed)
	}
	return Stats{
		BaseRate:        l.baseRate,
		CurrentRate:     l.rate,
		Burst:           l.burst,
		Allowed:         l.allowed,
		Throttled:       l.throttled,
		CurrentTokens:   l.tokens,
		AverageWaitTime: avg,
	}
}

// refill adds tokens for the time elapsed since the last refill. Callers
// hold the lock.
func (l *Limiter) refill() {
	now := l.clock()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastTime = now
}
