package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recorded struct {
	key     string
	action  Action
	success bool
	at      time.Time
}

type fakeStore struct {
	attempts []recorded
}

func (f *fakeStore) RecordAttempt(ctx context.Context, key string, action Action, success bool, at time.Time) error {
	f.attempts = append(f.attempts, recorded{key, action, success, at})
	return nil
}

func (f *fakeStore) FailureWindow(ctx context.Context, key string, action Action, since time.Time) (int, time.Time, error) {
	var lastSuccess time.Time
	for _, a := range f.attempts {
		if a.key == key && a.action == action && a.success && a.at.After(lastSuccess) {
			lastSuccess = a.at
		}
	}
	var count int
	var oldest time.Time
	for _, a := range f.attempts {
		if a.key != key || a.action != action || a.success {
			continue
		}
		if !a.at.After(since) || !a.at.After(lastSuccess) {
			continue
		}
		count++
		if oldest.IsZero() || a.at.Before(oldest) {
			oldest = a.at
		}
	}
	return count, oldest, nil
}

func TestCheckUnderLimit(t *testing.T) {
	store := &fakeStore{}
	l := NewLimiter(store, nil)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if err := l.Record(ctx, "ip|user", ActionLogin, false); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Check(ctx, "ip|user", ActionLogin); err != nil {
		t.Fatalf("under the ceiling: %v", err)
	}
}

func TestCheckBlockedWithRetryHint(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	l := NewLimiter(store, nil)
	l.WithClock(func() time.Time { return base })

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := l.Record(ctx, "ip|user", ActionLogin, false); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	l.WithClock(func() time.Time { return base.Add(5 * time.Minute) })
	err := l.Check(ctx, "ip|user", ActionLogin)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("want BlockedError, got %v", err)
	}
	if !errors.Is(err, ErrLimited) {
		t.Fatal("must match ErrLimited")
	}
	if blocked.Action != ActionLogin {
		t.Fatalf("action = %q", blocked.Action)
	}
	// Failures landed at t0; the window reopens 15 minutes later.
	if blocked.RetryAfter != 10*time.Minute {
		t.Fatalf("retry = %v", blocked.RetryAfter)
	}
}

func TestCheckWindowExpires(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	l := NewLimiter(store, nil)
	l.WithClock(func() time.Time { return base })

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = l.Record(ctx, "key", ActionLogin, false)
	}

	l.WithClock(func() time.Time { return base.Add(16 * time.Minute) })
	if err := l.Check(ctx, "key", ActionLogin); err != nil {
		t.Fatalf("window should have expired: %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	store := &fakeStore{}
	l := NewLimiter(store, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = l.Record(ctx, "key", ActionLogin, false)
	}
	if err := l.Check(ctx, "key", ActionLogin); !errors.Is(err, ErrLimited) {
		t.Fatalf("want blocked, got %v", err)
	}

	_ = l.Record(ctx, "key", ActionLogin, true)
	if err := l.Check(ctx, "key", ActionLogin); err != nil {
		t.Fatalf("success must reset the count: %v", err)
	}
}

func TestCheckKeysAreIndependent(t *testing.T) {
	store := &fakeStore{}
	l := NewLimiter(store, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = l.Record(ctx, "a", ActionLogin, false)
	}
	if err := l.Check(ctx, "b", ActionLogin); err != nil {
		t.Fatalf("other key affected: %v", err)
	}
	if err := l.Check(ctx, "a", ActionMagicLinkValidate); err != nil {
		t.Fatalf("other action affected: %v", err)
	}
}

func TestCheckUnknownActionPasses(t *testing.T) {
	l := NewLimiter(&fakeStore{}, map[Action]Policy{})
	if err := l.Check(context.Background(), "key", ActionLogin); err != nil {
		t.Fatalf("missing policy must pass: %v", err)
	}
}
