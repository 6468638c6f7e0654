package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
)

// Event is one classified failure and the action taken for it. Events are
// kept in a bounded history for the run summary.
type Event struct {
	Time     time.Time    `json:"time"`
	Entity   string       `json:"entity"`
	Class    errors.Class `json:"class"`
	Severity Severity     `json:"severity"`
	Action   Action       `json:"action"`
	Attempt  int          `json:"attempt"`
	Message  string       `json:"message"`
}

// Manager runs operations under the recovery policy table: it classifies
// failures, retries transient classes within per-class budgets, and trips
// per-class circuit breakers on consecutive failures. One Manager serves a
// whole run, so budgets and breakers span entities.
type Manager struct {
	mu sync.Mutex

	policies map[errors.Class]Policy
	breakers map[errors.Class]*Breaker
	budgets  map[errors.Class]int

	history     []Event
	historySize int
	next        int

	logger *zap.Logger
}

// NewManager builds a Manager from configuration.
func NewManager(cfg config.RecoveryConfig) (*Manager, error) {
	policies, err := PoliciesFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 256
	}

	m := &Manager{
		policies:    policies,
		breakers:    make(map[errors.Class]*Breaker, len(policies)),
		budgets:     make(map[errors.Class]int, len(policies)),
		history:     make([]Event, 0, historySize),
		historySize: historySize,
		logger:      logger.Get().With(zap.String("component", "recovery")),
	}

	for class := range policies {
		m.breakers[class] = NewBreaker(class, cfg.BreakerThreshold, cfg.BreakerRecovery)
		m.budgets[class] = cfg.RetryBudget
		metrics.RetryBudgetRemaining.WithLabelValues(string(class)).Set(float64(cfg.RetryBudget))
		metrics.BreakerState.WithLabelValues(string(class)).Set(float64(BreakerClosed))
	}

	return m, nil
}

// Execute runs op under recovery protection. Transient failures are
// retried with backoff until the policy's attempts, the class budget, or
// the class breaker says stop. Non-retryable failures return immediately;
// the caller consults ActionFor to decide between skipping, escalating,
// and aborting.
func (m *Manager) Execute(ctx context.Context, entity string, op func(context.Context) error) error {
	granted, blockedBy, blocked := m.acquireAll()
	if blocked {
		for _, br := range granted {
			br.ReleaseProbe()
		}
		return errors.New(blockedBy, "circuit breaker open, failing fast").
			WithDetail("entity", entity)
	}

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			m.noteSuccess()
			return nil
		}

		class := Classify(err)
		severity := SeverityFor(class)
		policy := m.policyFor(class)

		br := m.breakerFor(class)
		br.RecordFailure()
		m.releaseProbesExcept(class)
		m.publishBreakerState(class, br)

		if policy.Action != ActionRetry {
			m.record(entity, class, severity, policy.Action, attempt, err)
			m.logFailure(entity, class, severity, policy.Action, err)
			return err
		}

		switch {
		case attempt >= policy.MaxAttempts:
			m.record(entity, class, severity, ActionEscalate, attempt, err)
			m.logger.Error("retry attempts exhausted",
				zap.String("entity", entity),
				zap.String("class", string(class)),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return errors.Wrap(err, class, "retry attempts exhausted").
				WithDetail("entity", entity)

		case !m.takeBudget(class):
			m.record(entity, class, severity, ActionEscalate, attempt, err)
			m.logger.Error("retry budget exhausted",
				zap.String("entity", entity),
				zap.String("class", string(class)),
				zap.Error(err))
			return errors.Wrap(err, class, "retry budget exhausted").
				WithDetail("entity", entity)

		case br.Acquire() == AcquireBlocked:
			m.record(entity, class, severity, ActionEscalate, attempt, err)
			m.publishBreakerState(class, br)
			return errors.Wrap(err, class, "circuit breaker open").
				WithDetail("entity", entity)
		}

		m.record(entity, class, severity, ActionRetry, attempt, err)

		delay := policy.Delay(attempt)
		if hint := RetryAfterHint(err); hint > delay {
			delay = hint
		}
		m.logger.Warn("retrying after failure",
			zap.String("entity", entity),
			zap.String("class", string(class)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ClassUnknown, "retry interrupted").
				WithDetail("entity", entity)
		case <-timer.C:
		}
	}
}

// ActionFor returns the policy action for an error's class, so callers can
// distinguish skip from escalate from abort on errors Execute returned.
func (m *Manager) ActionFor(err error) Action {
	return m.policyFor(Classify(err)).Action
}

// ShouldSkip reports whether the error's class policy is to drop the
// offending record and continue.
func (m *Manager) ShouldSkip(err error) bool {
	return m.ActionFor(err) == ActionSkip
}

// ShouldAbort reports whether the error's class policy fails the run.
func (m *Manager) ShouldAbort(err error) bool {
	return m.ActionFor(err) == ActionAbort
}

// Note classifies and records a failure without driving recovery, for
// record-level errors the caller handles inline. It returns the policy
// action so the caller can tell skip from escalate.
func (m *Manager) Note(entity string, err error) Action {
	class := Classify(err)
	severity := SeverityFor(class)
	action := m.policyFor(class).Action
	m.record(entity, class, severity, action, 0, err)
	m.logFailure(entity, class, severity, action, err)
	return action
}

// Events returns the recorded failure history, oldest first.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) < m.historySize {
		out := make([]Event, len(m.history))
		copy(out, m.history)
		return out
	}
	out := make([]Event, 0, m.historySize)
	out = append(out, m.history[m.next:]...)
	out = append(out, m.history[:m.next]...)
	return out
}

// CountsByClass aggregates recorded events per error class.
func (m *Manager) CountsByClass() map[errors.Class]int {
	counts := make(map[errors.Class]int)
	for _, e := range m.Events() {
		counts[e.Class]++
	}
	return counts
}

// CountsBySeverity aggregates recorded events per severity.
func (m *Manager) CountsBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, e := range m.Events() {
		counts[e.Severity]++
	}
	return counts
}

// BudgetRemaining returns how many retries are left for a class.
func (m *Manager) BudgetRemaining(class errors.Class) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budgets[class]
}

// BreakerStates returns the current state of every class breaker.
func (m *Manager) BreakerStates() map[errors.Class]BreakerState {
	states := make(map[errors.Class]BreakerState, len(m.breakers))
	for class, br := range m.breakers {
		states[class] = br.State()
	}
	return states
}

// acquireAll consults every breaker before an operation runs. It returns
// the probe slots claimed along the way and, when any breaker blocks, the
// class that blocked.
func (m *Manager) acquireAll() ([]*Breaker, errors.Class, bool) {
	var granted []*Breaker
	for _, class := range m.sortedClasses() {
		br := m.breakers[class]
		switch br.Acquire() {
		case AcquireBlocked:
			return granted, class, true
		case AcquireProbe:
			granted = append(granted, br)
		}
	}
	return granted, "", false
}

// noteSuccess records a healthy operation on every breaker: it resolves
// outstanding probes and resets consecutive failure counts, since any
// success breaks a consecutive-failure run.
func (m *Manager) noteSuccess() {
	for class, br := range m.breakers {
		br.RecordSuccess()
		m.publishBreakerState(class, br)
	}
}

// releaseProbesExcept returns unclaimed probe slots on every breaker other
// than the one that owns the observed failure class.
func (m *Manager) releaseProbesExcept(class errors.Class) {
	for c, br := range m.breakers {
		if c != class {
			br.ReleaseProbe()
		}
	}
}

func (m *Manager) policyFor(class errors.Class) Policy {
	if policy, ok := m.policies[class]; ok {
		return policy
	}
	return Policy{Action: ActionEscalate}
}

func (m *Manager) breakerFor(class errors.Class) *Breaker {
	// The breakers map is fixed at construction; Classify only produces
	// classes present in the policy table, so the fallback is unshared.
	if br, ok := m.breakers[class]; ok {
		return br
	}
	return NewBreaker(class, 1, time.Minute)
}

func (m *Manager) takeBudget(class errors.Class) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.budgets[class] <= 0 {
		return false
	}
	m.budgets[class]--
	metrics.RetryBudgetRemaining.WithLabelValues(string(class)).Set(float64(m.budgets[class]))
	return true
}

func (m *Manager) record(entity string, class errors.Class, severity Severity, action Action, attempt int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event := Event{
		Time:     time.Now(),
		Entity:   entity,
		Class:    class,
		Severity: severity,
		Action:   action,
		Attempt:  attempt,
		Message:  err.Error(),
	}
	if len(m.history) < m.historySize {
		m.history = append(m.history, event)
	} else {
		m.history[m.next] = event
		m.next = (m.next + 1) % m.historySize
	}

	metrics.RecoveryEvents.WithLabelValues(string(class), string(action)).Inc()
}

func (m *Manager) logFailure(entity string, class errors.Class, severity Severity, action Action, err error) {
	fields := []zap.Field{
		zap.String("entity", entity),
		zap.String("class", string(class)),
		zap.String("action", string(action)),
		zap.Error(err),
	}
	switch severity {
	case SeverityWarning:
		m.logger.Warn("failure handled", fields...)
	default:
		m.logger.Error("failure handled", fields...)
	}
}

func (m *Manager) publishBreakerState(class errors.Class, br *Breaker) {
	metrics.BreakerState.WithLabelValues(string(class)).Set(float64(br.State()))
}

func (m *Manager) sortedClasses() []errors.Class {
	classes := make([]errors.Class, 0, len(m.breakers))
	for class := range m.breakers {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}
