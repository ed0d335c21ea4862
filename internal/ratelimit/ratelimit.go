// Package ratelimit counts authentication attempts in a durable sliding
// window. The service is stateless across invocations, so counters derive
// from an append-only attempt log instead of process memory.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action identifies an independently limited operation class.
type Action string

const (
	ActionLogin             Action = "login"
	ActionMagicLinkCreate   Action = "magiclink_create"
	ActionMagicLinkValidate Action = "magiclink_validate"
	ActionAdminMutation     Action = "admin_mutation"
)

// Policy caps failures per (client key, action) within a rolling window.
type Policy struct {
	Window      time.Duration
	MaxFailures int
}

// DefaultPolicies returns the per-action ceilings. Destructive and
// credential-guessing surfaces are stricter than routine admin traffic.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		ActionLogin:             {Window: 15 * time.Minute, MaxFailures: 10},
		ActionMagicLinkCreate:   {Window: time.Hour, MaxFailures: 20},
		ActionMagicLinkValidate: {Window: 15 * time.Minute, MaxFailures: 20},
		ActionAdminMutation:     {Window: 5 * time.Minute, MaxFailures: 30},
	}
}

// ErrLimited matches any blocked result via errors.Is.
var ErrLimited = errors.New("ratelimit: too many attempts")

// BlockedError carries the retry hint for a blocked client.
type BlockedError struct {
	Action     Action
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("ratelimit: %s blocked, retry in %s", e.Action, e.RetryAfter)
}

func (e *BlockedError) Is(target error) bool { return target == ErrLimited }

// Store is the durable attempt log. FailureWindow counts failures for the
// key and action since the given instant, ignoring anything before the most
// recent success, and reports the oldest counted failure.
type Store interface {
	RecordAttempt(ctx context.Context, key string, action Action, success bool, at time.Time) error
	FailureWindow(ctx context.Context, key string, action Action, since time.Time) (count int, oldest time.Time, err error)
}

// Limiter evaluates policies against the attempt log.
//
// Check-then-record is not transactional: two concurrent attempts can both
// pass the ceiling before either records. Accepted for these volumes; the
// window closes on the next attempt.
type Limiter struct {
	store    Store
	policies map[Action]Policy
	now      func() time.Time
}

func NewLimiter(store Store, policies map[Action]Policy) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{store: store, policies: policies, now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (l *Limiter) WithClock(fn func() time.Time) *Limiter {
	if fn != nil {
		l.now = fn
	}
	return l
}

// Record appends an attempt. A successful attempt resets the failure count
// for the key because FailureWindow only counts failures after the latest
// success.
func (l *Limiter) Record(ctx context.Context, key string, action Action, success bool) error {
	return l.store.RecordAttempt(ctx, key, action, success, l.now().UTC())
}

// Check returns nil when the client may proceed, or a *BlockedError with a
// positive retry hint when the failure ceiling is reached.
func (l *Limiter) Check(ctx context.Context, key string, action Action) error {
	policy, ok := l.policies[action]
	if !ok || policy.MaxFailures <= 0 {
		return nil
	}
	now := l.now().UTC()
	count, oldest, err := l.store.FailureWindow(ctx, key, action, now.Add(-policy.Window))
	if err != nil {
		return err
	}
	if count < policy.MaxFailures {
		return nil
	}
	retry := oldest.Add(policy.Window).Sub(now)
	if retry <= 0 {
		retry = time.Second
	}
	return &BlockedError{Action: action, RetryAfter: retry}
}
