package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier delivers an escalation to a human-facing channel.
type Notifier interface {
	Notify(ctx context.Context, p EscalationPayload) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, p EscalationPayload) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, p EscalationPayload) error {
	return f(ctx, p)
}

// LogNotifier writes escalations to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, p EscalationPayload) error {
	level := slog.LevelWarn
	if p.Severity == S1 || p.Severity == S2 {
		level = slog.LevelError
	}
	loggerOr(n.Logger).Log(ctx, level, "escalation",
		"id", p.ID,
		"severity", p.Severity,
		"trigger", p.Trigger,
		"plan_id", p.PlanID,
		"plan_version", p.PlanVersion,
		"action", p.ActionID,
		"reason", p.Reason,
		"proposed_fix", p.ProposedFix,
	)
	return nil
}

// ChanNotifier sends escalations on a channel, blocking until received or ctx is done.
type ChanNotifier chan<- EscalationPayload

func (n ChanNotifier) Notify(ctx context.Context, p EscalationPayload) error {
	select {
	case n <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, p EscalationPayload) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Classify maps a trigger to its default severity.
func Classify(trigger Trigger) Severity {
	switch trigger {
	case TriggerPolicyViolation:
		return S1
	case TriggerBudgetExceeded, TriggerCapabilityMissing:
		return S2
	case TriggerReplanExhausted, TriggerDataDrift:
		return S3
	case TriggerLowConfidence:
		return S4
	}
	return S3
}

// Halts reports whether escalations of severity s stop the run.
func (s Severity) Halts() bool {
	return s == S1 || s == S2
}

// alerts reports whether escalations of severity s are sent to a notifier.
func (s Severity) alerts() bool {
	return s != S4
}

// EscalationOutcome is what the router did with a payload.
type EscalationOutcome struct {
	Payload  EscalationPayload
	Halt     bool
	Notified bool
}

// EscalationRouter routes escalations to notifiers by severity:
// S1 and S2 alert and halt, S3 alerts and lets the run continue, S4 is only logged.
type EscalationRouter struct {
	Logger *slog.Logger

	mu       sync.Mutex
	routes   map[Severity]Notifier
	fallback Notifier
	history  []EscalationPayload
	clock    func() time.Time
}

// NewEscalationRouter creates a router alerting through a LogNotifier until routes are set.
func NewEscalationRouter(logger *slog.Logger) *EscalationRouter {
	return &EscalationRouter{
		Logger:   logger,
		routes:   make(map[Severity]Notifier),
		fallback: LogNotifier{Logger: logger},
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *EscalationRouter) WithClock(clock func() time.Time) *EscalationRouter {
	r.clock = clock
	return r
}

// Route sends escalations of severity s to n.
func (r *EscalationRouter) Route(s Severity, n Notifier) *EscalationRouter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[s] = n
	return r
}

// History returns the escalations routed so far, oldest first.
func (r *EscalationRouter) History() []EscalationPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EscalationPayload(nil), r.history...)
}

// Escalate fills in id, time and severity when missing, records the payload
// and acts on its tier. A notifier error is returned alongside the outcome;
// the halt decision stands either way.
func (r *EscalationRouter) Escalate(ctx context.Context, p EscalationPayload) (EscalationOutcome, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.clock().UTC()
	}
	if p.Severity == "" {
		p.Severity = Classify(p.Trigger)
	}

	r.mu.Lock()
	r.history = append(r.history, p)
	n, ok := r.routes[p.Severity]
	if !ok {
		n = r.fallback
	}
	r.mu.Unlock()

	out := EscalationOutcome{Payload: p, Halt: p.Severity.Halts()}
	if !p.Severity.alerts() {
		loggerOr(r.Logger).Info("escalation logged", "id", p.ID, "severity", p.Severity, "trigger", p.Trigger, "reason", p.Reason)
		return out, nil
	}
	if err := n.Notify(ctx, p); err != nil {
		return out, fmt.Errorf("notify %s escalation %s: %w", p.Severity, p.ID, err)
	}
	out.Notified = true
	return out, nil
}
