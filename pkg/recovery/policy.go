package recovery

import (
	"math"
	"math/rand"
	"time"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
)

// Action is what the recovery manager does with a classified failure.
type Action string

const (
	// ActionRetry re-runs the operation with exponential backoff.
	ActionRetry Action = "retry"
	// ActionSkip drops the offending record and keeps the entity going.
	ActionSkip Action = "skip"
	// ActionEscalate fails the current entity; the run continues.
	ActionEscalate Action = "escalate"
	// ActionAbort fails the whole run.
	ActionAbort Action = "abort"
)

// ParseAction converts a configured action name.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionRetry, ActionSkip, ActionEscalate, ActionAbort:
		return Action(s), nil
	default:
		return "", errors.New(errors.ClassConfig, "unknown recovery action").
			WithDetail("action", s)
	}
}

// Policy describes how one error class is handled.
type Policy struct {
	Action Action
	// MaxAttempts is the retry count after the initial failure.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// RandomizeFactor spreads delays ±factor to avoid thundering herds.
	RandomizeFactor float64
}

// Delay computes the backoff before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}

// DefaultPolicies returns the built-in policy table. Transient classes
// retry with class-appropriate pacing; auth and config problems never do,
// because retrying bad credentials or a bad config only wastes quota.
func DefaultPolicies() map[errors.Class]Policy {
	return map[errors.Class]Policy{
		errors.ClassNetwork: {
			Action:          ActionRetry,
			MaxAttempts:     5,
			BaseDelay:       1 * time.Second,
			MaxDelay:        2 * time.Minute,
			Multiplier:      2.0,
			RandomizeFactor: 0.25,
		},
		errors.ClassRateLimit: {
			Action:          ActionRetry,
			MaxAttempts:     3,
			BaseDelay:       5 * time.Second,
			MaxDelay:        5 * time.Minute,
			Multiplier:      3.0,
			RandomizeFactor: 0.25,
		},
		errors.ClassServer: {
			Action:          ActionRetry,
			MaxAttempts:     3,
			BaseDelay:       10 * time.Second,
			MaxDelay:        5 * time.Minute,
			Multiplier:      2.5,
			RandomizeFactor: 0.25,
		},
		errors.ClassAuth: {
			Action: ActionEscalate,
		},
		errors.ClassDataValidation: {
			Action: ActionSkip,
		},
		errors.ClassConfig: {
			Action: ActionAbort,
		},
		errors.ClassUnknown: {
			Action: ActionEscalate,
		},
	}
}

// PoliciesFromConfig overlays configured per-class overrides onto the
// default table. Unknown class names or actions are configuration errors.
func PoliciesFromConfig(cfg config.RecoveryConfig) (map[errors.Class]Policy, error) {
	policies := DefaultPolicies()

	for name, override := range cfg.Policies {
		class := errors.Class(name)
		policy, ok := policies[class]
		if !ok {
			return nil, errors.New(errors.ClassConfig, "unknown error class in recovery policy").
				WithDetail("class", name)
		}

		if override.Action != "" {
			action, err := ParseAction(override.Action)
			if err != nil {
				return nil, err
			}
			policy.Action = action
		}
		if override.MaxAttempts > 0 {
			policy.MaxAttempts = override.MaxAttempts
		}
		if override.BaseDelay > 0 {
			policy.BaseDelay = override.BaseDelay
		}
		if override.Multiplier > 0 {
			policy.Multiplier = override.Multiplier
		}

		policies[class] = policy
	}

	return policies, nil
}
