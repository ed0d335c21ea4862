package magiclink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/obs"
	"sitespectral.org/internal/ratelimit"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	tokens map[string]*Token
	seq    int
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string]*Token)}
}

func (m *memStore) Create(ctx context.Context, t *Token) error {
	m.seq++
	if t.ID == "" {
		t.ID = fmt.Sprintf("link-%d", m.seq)
	}
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memStore) Find(ctx context.Context, id string) (*Token, error) {
	t, ok := m.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) FindByHash(ctx context.Context, secretHash string) (*Token, error) {
	for _, t := range m.tokens {
		if t.SecretHash == secretHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memStore) ConsumeUse(ctx context.Context, id, ip, userAgent string, singleUse bool, now time.Time) (bool, error) {
	t, ok := m.tokens[id]
	if !ok {
		return false, nil
	}
	if t.RevokedAt != nil || !now.Before(t.ExpiresAt) {
		return false, nil
	}
	if singleUse && t.UsedAt != nil {
		return false, nil
	}
	t.UseCount++
	if t.UsedAt == nil {
		at := now
		t.UsedAt = &at
	}
	if t.FirstUseIP == "" {
		t.FirstUseIP = ip
	}
	t.UsedByIP = ip
	t.UsedByAgent = userAgent
	return true, nil
}

func (m *memStore) Revoke(ctx context.Context, id, revokedBy, reason string, at time.Time) error {
	t, ok := m.tokens[id]
	if !ok || t.RevokedAt != nil {
		return auth.ErrNotFound
	}
	t.RevokedAt = &at
	t.RevokedBy = revokedBy
	t.RevokeReason = reason
	return nil
}

func (m *memStore) List(ctx context.Context, stationID string, includeRevoked, includeExpired bool, limit int, now time.Time) ([]*Token, error) {
	var out []*Token
	for _, t := range m.tokens {
		if stationID != "" && t.StationID != stationID {
			continue
		}
		if !includeRevoked && t.RevokedAt != nil {
			continue
		}
		if !includeExpired && !now.Before(t.ExpiresAt) {
			continue
		}
		if len(out) == limit {
			break
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

type memMailer struct {
	sent []string
	err  error
}

func (m *memMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

type attempt struct {
	key     string
	action  ratelimit.Action
	success bool
	at      time.Time
}

// memAttempts implements ratelimit.Store in memory with the same
// failures-after-last-success semantics as the SQL store.
type memAttempts struct {
	attempts []attempt
}

func (m *memAttempts) RecordAttempt(ctx context.Context, key string, action ratelimit.Action, success bool, at time.Time) error {
	m.attempts = append(m.attempts, attempt{key: key, action: action, success: success, at: at})
	return nil
}

func (m *memAttempts) FailureWindow(ctx context.Context, key string, action ratelimit.Action, since time.Time) (int, time.Time, error) {
	var lastSuccess time.Time
	for _, a := range m.attempts {
		if a.key == key && a.action == action && a.success && a.at.After(lastSuccess) {
			lastSuccess = a.at
		}
	}
	var count int
	var oldest time.Time
	for _, a := range m.attempts {
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

func globalAdmin() auth.Identity {
	return auth.Identity{Username: "root", Role: auth.RoleGlobalAdmin, Active: true, Provenance: auth.ProvenanceDatabase}
}

func stationAdmin(station string) auth.Identity {
	return auth.Identity{Username: station + "-admin", Role: auth.RoleStationAdmin, StationID: station, Active: true}
}

func newTestService(t *testing.T, store Store, mailer *memMailer) *Service {
	t.Helper()
	tokens, err := auth.NewTokenService("0123456789abcdef0123456789abcdef", "spectral-api")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	tokens.WithClock(func() time.Time { return testBase })

	var svc *Service
	if mailer != nil {
		svc, err = NewService(store, tokens, nil, mailer, "sitespectral.org", 0)
	} else {
		svc, err = NewService(store, tokens, nil, nil, "sitespectral.org", 0)
	}
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc.WithClock(func() time.Time { return testBase })
}

func mustCreate(t *testing.T, svc *Service, actor auth.Identity, p CreateParams) *Created {
	t.Helper()
	created, err := svc.Create(context.Background(), actor, p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func TestCreateDefaults(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB", Label: "field team"})

	if len(created.Secret) != 64 {
		t.Fatalf("secret length = %d", len(created.Secret))
	}
	if created.Token.SecretPrefix != created.Secret[:8] {
		t.Fatalf("prefix = %q", created.Token.SecretPrefix)
	}
	if created.Token.Role != string(auth.RoleReadonly) {
		t.Fatalf("default role = %q", created.Token.Role)
	}
	want := testBase.Add(7 * 24 * time.Hour)
	if !created.Token.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", created.Token.ExpiresAt, want)
	}
	if created.URL != "https://SVB.sitespectral.org/auth/magic?token="+created.Secret {
		t.Fatalf("url = %q", created.URL)
	}
	if created.Emailed {
		t.Fatal("no recipient, must not report emailed")
	}

	stored := store.tokens[created.Token.ID]
	if stored.SecretHash == created.Secret || len(stored.SecretHash) != 64 {
		t.Fatalf("stored hash = %q", stored.SecretHash)
	}
}

func TestCreateAuthorization(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	ctx := context.Background()

	user := auth.Identity{Username: "svb-user", Role: auth.RoleStationUser, StationID: "SVB", Active: true}
	if _, err := svc.Create(ctx, user, CreateParams{StationID: "SVB"}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("station user: want ErrForbidden, got %v", err)
	}

	if _, err := svc.Create(ctx, stationAdmin("ANS"), CreateParams{StationID: "SVB"}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("foreign station admin: want ErrForbidden, got %v", err)
	}

	if _, err := svc.Create(ctx, stationAdmin("SVB"), CreateParams{StationID: "SVB"}); err != nil {
		t.Fatalf("owning station admin: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, globalAdmin(), CreateParams{}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("missing station: got %v", err)
	}
	if _, err := svc.Create(ctx, globalAdmin(), CreateParams{StationID: "SVB", Role: auth.RoleStationAdmin}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("privileged grant: got %v", err)
	}
	if _, err := svc.Create(ctx, globalAdmin(), CreateParams{StationID: "SVB", ExpiresInDays: 400}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expiry out of range: got %v", err)
	}
	if _, err := svc.Create(ctx, globalAdmin(), CreateParams{StationID: "SVB", ExpiresInDays: -1}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("negative expiry: got %v", err)
	}
	if _, err := svc.Create(ctx, globalAdmin(), CreateParams{StationID: "SVB", Role: auth.RoleStationInternal}); err != nil {
		t.Fatalf("station-internal grant: %v", err)
	}
}

func TestCreateEmailedWithholdsSecret(t *testing.T) {
	mailer := &memMailer{}
	svc := newTestService(t, newMemStore(), mailer)

	created := mustCreate(t, svc, globalAdmin(), CreateParams{
		StationID:      "SVB",
		RecipientEmail: "field@sitespectral.org",
	})
	if !created.Emailed {
		t.Fatal("delivery succeeded, must report emailed")
	}
	if created.Secret != "" || created.URL != "" {
		t.Fatal("secret must be withheld after email delivery")
	}
	if len(mailer.sent) != 1 || mailer.sent[0] != "field@sitespectral.org" {
		t.Fatalf("sent = %v", mailer.sent)
	}
}

func TestCreateEmailFailureFallsBack(t *testing.T) {
	mailer := &memMailer{err: errors.New("smtp down")}
	svc := newTestService(t, newMemStore(), mailer)

	created := mustCreate(t, svc, globalAdmin(), CreateParams{
		StationID:      "SVB",
		RecipientEmail: "field@sitespectral.org",
	})
	if created.Emailed {
		t.Fatal("failed delivery must not report emailed")
	}
	if created.Secret == "" || created.URL == "" {
		t.Fatal("secret must be returned when delivery fails")
	}
}

func TestCreateEmailFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	obs.Logger().SetOutput(&buf)
	defer obs.Logger().SetOutput(os.Stdout)

	mailer := &memMailer{err: errors.New("smtp down")}
	svc := newTestService(t, newMemStore(), mailer)

	mustCreate(t, svc, globalAdmin(), CreateParams{
		StationID:      "SVB",
		RecipientEmail: "field@sitespectral.org",
	})

	out := buf.String()
	if !strings.Contains(out, "mail delivery failed") {
		t.Fatalf("delivery failure not logged: %q", out)
	}
	if !strings.Contains(out, "field@sitespectral.org") {
		t.Fatalf("recipient missing from log line: %q", out)
	}
}

func TestCreateBlockedAtPolicyCeiling(t *testing.T) {
	tokens, err := auth.NewTokenService("0123456789abcdef0123456789abcdef", "spectral-api")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	tokens.WithClock(func() time.Time { return testBase })
	limiter := ratelimit.NewLimiter(&memAttempts{}, nil).WithClock(func() time.Time { return testBase })
	svc, err := NewService(newMemStore(), tokens, limiter, nil, "sitespectral.org", 0)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.WithClock(func() time.Time { return testBase })

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := svc.Create(ctx, globalAdmin(), CreateParams{StationID: "SVB"}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err = svc.Create(ctx, globalAdmin(), CreateParams{StationID: "SVB"})
	var blocked *ratelimit.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("want BlockedError past the creation ceiling, got %v", err)
	}
	if blocked.RetryAfter <= 0 {
		t.Fatalf("retry after = %v", blocked.RetryAfter)
	}
	if !errors.Is(err, ratelimit.ErrLimited) {
		t.Fatal("blocked error must match ErrLimited")
	}

	// The window is per actor; another admin is unaffected.
	if _, err := svc.Create(ctx, stationAdmin("SVB"), CreateParams{StationID: "SVB"}); err != nil {
		t.Fatalf("other actor blocked: %v", err)
	}
}

func TestValidateSessionTTLConfigurable(t *testing.T) {
	tokens, err := auth.NewTokenService("0123456789abcdef0123456789abcdef", "spectral-api")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	tokens.WithClock(func() time.Time { return testBase })
	svc, err := NewService(newMemStore(), tokens, nil, nil, "sitespectral.org", 2*time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.WithClock(func() time.Time { return testBase })

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB"})
	res, err := svc.Validate(context.Background(), created.Secret, "203.0.113.7", "curl/8")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.ExpiresAt.Equal(testBase.Add(2 * time.Hour)) {
		t.Fatalf("session expiry = %v, want configured 2h", res.ExpiresAt)
	}
}

func TestValidateSuccess(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB"})

	res, err := svc.Validate(context.Background(), created.Secret, "203.0.113.7", "curl/8")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.StationID != "SVB" || res.TokenID != created.Token.ID {
		t.Fatalf("result = %+v", res)
	}
	if res.Identity.Role != auth.RoleReadonly || res.Identity.StationID != "SVB" {
		t.Fatalf("identity = %+v", res.Identity)
	}
	if res.Identity.Provenance != auth.ProvenanceMagicLink {
		t.Fatalf("provenance = %q", res.Identity.Provenance)
	}
	if !strings.HasPrefix(res.Identity.Username, "magic:") {
		t.Fatalf("username = %q", res.Identity.Username)
	}
	if !res.ExpiresAt.Equal(testBase.Add(8 * time.Hour)) {
		t.Fatalf("session expiry = %v", res.ExpiresAt)
	}

	stored := store.tokens[created.Token.ID]
	if stored.UseCount != 1 || stored.UsedAt == nil || stored.FirstUseIP != "203.0.113.7" {
		t.Fatalf("use not recorded: %+v", stored)
	}
	if SessionTokenDigest(res.SessionToken) == "" {
		t.Fatal("digest empty")
	}
	if len(SessionTokenDigest(res.SessionToken)) != 16 {
		t.Fatal("digest must be truncated")
	}
}

func rejectReason(t *testing.T, err error) string {
	t.Helper()
	var reject *RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("want RejectError, got %v", err)
	}
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatal("rejection must match ErrUnauthenticated")
	}
	return reject.Reason
}

func TestValidateNotFound(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	ctx := context.Background()

	_, err := svc.Validate(ctx, strings.Repeat("a", 64), "ip", "ua")
	if got := rejectReason(t, err); got != ReasonNotFound {
		t.Fatalf("reason = %q", got)
	}

	_, err = svc.Validate(ctx, "short", "ip", "ua")
	if got := rejectReason(t, err); got != ReasonNotFound {
		t.Fatalf("short secret reason = %q", got)
	}
}

func TestValidateRevoked(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	ctx := context.Background()

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB"})
	if err := svc.Revoke(ctx, globalAdmin(), created.Token.ID, "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err := svc.Validate(ctx, created.Secret, "ip", "ua")
	if got := rejectReason(t, err); got != ReasonRevoked {
		t.Fatalf("reason = %q", got)
	}
}

func TestValidateExpired(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB", ExpiresInDays: 1})

	svc.WithClock(func() time.Time { return testBase.Add(25 * time.Hour) })
	_, err := svc.Validate(context.Background(), created.Secret, "ip", "ua")
	if got := rejectReason(t, err); got != ReasonExpired {
		t.Fatalf("reason = %q", got)
	}
}

func TestValidateSingleUse(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	ctx := context.Background()

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB", SingleUse: true})
	if _, err := svc.Validate(ctx, created.Secret, "ip", "ua"); err != nil {
		t.Fatalf("first use: %v", err)
	}

	_, err := svc.Validate(ctx, created.Secret, "ip", "ua")
	if got := rejectReason(t, err); got != ReasonAlreadyUsed {
		t.Fatalf("reason = %q", got)
	}
}

func TestValidateIPPinning(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	ctx := context.Background()

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB", PinIP: true})
	if _, err := svc.Validate(ctx, created.Secret, "203.0.113.7", "ua"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := svc.Validate(ctx, created.Secret, "203.0.113.7", "ua"); err != nil {
		t.Fatalf("same address again: %v", err)
	}

	_, err := svc.Validate(ctx, created.Secret, "198.51.100.9", "ua")
	if got := rejectReason(t, err); got != ReasonIPMismatch {
		t.Fatalf("reason = %q", got)
	}
}

// lostRaceStore reports a failed conditional update even though the read
// showed an eligible token, as happens when two requests race.
type lostRaceStore struct {
	*memStore
}

func (s *lostRaceStore) ConsumeUse(ctx context.Context, id, ip, userAgent string, singleUse bool, now time.Time) (bool, error) {
	return false, nil
}

func TestValidateLostRace(t *testing.T) {
	inner := newMemStore()
	svc := newTestService(t, &lostRaceStore{memStore: inner}, nil)
	ctx := context.Background()

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB", SingleUse: true})
	_, err := svc.Validate(ctx, created.Secret, "ip", "ua")
	if got := rejectReason(t, err); got != ReasonAlreadyUsed {
		t.Fatalf("reason = %q", got)
	}
}

func TestRevoke(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	ctx := context.Background()

	created := mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB"})

	user := auth.Identity{Username: "viewer", Role: auth.RoleReadonly, Active: true}
	if err := svc.Revoke(ctx, user, created.Token.ID, ""); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("readonly revoke: want ErrForbidden, got %v", err)
	}
	if err := svc.Revoke(ctx, stationAdmin("ANS"), created.Token.ID, ""); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("foreign admin revoke: want ErrForbidden, got %v", err)
	}

	if err := svc.Revoke(ctx, stationAdmin("SVB"), created.Token.ID, "rotating"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := svc.Revoke(ctx, globalAdmin(), created.Token.ID, "again"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("double revoke: want ErrConflict, got %v", err)
	}
}

func TestListScoping(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "SVB"})
	mustCreate(t, svc, globalAdmin(), CreateParams{StationID: "ANS"})

	all, err := svc.List(ctx, globalAdmin(), "", false, false, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("global admin sees %d", len(all))
	}

	own, err := svc.List(ctx, stationAdmin("SVB"), "", false, false, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(own) != 1 || own[0].StationID != "SVB" {
		t.Fatalf("station admin list = %+v", own)
	}

	if _, err := svc.List(ctx, stationAdmin("SVB"), "ANS", false, false, 0); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("foreign filter: want ErrForbidden, got %v", err)
	}

	viewer := auth.Identity{Username: "viewer", Role: auth.RoleReadonly, Active: true}
	if _, err := svc.List(ctx, viewer, "", false, false, 0); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("readonly list: want ErrForbidden, got %v", err)
	}
}
