// Package magiclink issues and validates passwordless access tokens scoped
// to one station.
package magiclink

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/mail"
	"sitespectral.org/internal/obs"
	"sitespectral.org/internal/ratelimit"
)

const (
	secretBytes       = 32
	secretPrefixLen   = 8
	defaultExpiryDays = 7
	maxExpiryDays     = 365
	defaultSessionTTL = 8 * time.Hour
)

// Rejection reason classes surfaced on validation failure. The class reaches
// the client and the audit log; the secret never does.
const (
	ReasonNotFound    = "not_found"
	ReasonRevoked     = "revoked"
	ReasonExpired     = "expired"
	ReasonAlreadyUsed = "already_used"
	ReasonIPMismatch  = "ip_mismatch"
)

// RejectError is a validation failure with its reason class. It matches
// auth.ErrUnauthenticated via errors.Is.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "magiclink: rejected (" + e.Reason + ")" }

func (e *RejectError) Is(target error) bool { return target == auth.ErrUnauthenticated }

// Service drives the magic link lifecycle.
type Service struct {
	store        Store
	tokens       *auth.TokenService
	limiter      *ratelimit.Limiter
	mailer       mail.Sender
	parentDomain string
	sessionTTL   time.Duration
	now          func() time.Time
}

func NewService(store Store, tokens *auth.TokenService, limiter *ratelimit.Limiter, mailer mail.Sender, parentDomain string, sessionTTL time.Duration) (*Service, error) {
	if store == nil {
		return nil, errors.New("magiclink: store is required")
	}
	if tokens == nil {
		return nil, errors.New("magiclink: token service is required")
	}
	if mailer == nil {
		mailer = mail.Discard{}
	}
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &Service{
		store:        store,
		tokens:       tokens,
		limiter:      limiter,
		mailer:       mailer,
		parentDomain: strings.TrimSpace(parentDomain),
		sessionTTL:   sessionTTL,
		now:          time.Now,
	}, nil
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// CreateParams are the caller-supplied token attributes.
type CreateParams struct {
	StationID      string
	Label          string
	Description    string
	ExpiresInDays  int
	SingleUse      bool
	PinIP          bool
	Role           auth.Role
	RecipientEmail string
}

// Created is returned exactly once. Secret and URL are empty when the secret
// went out by email instead; it is never retrievable afterwards.
type Created struct {
	Token   *View  `json:"token"`
	Secret  string `json:"secret,omitempty"`
	URL     string `json:"url,omitempty"`
	Emailed bool   `json:"emailed"`
}

// Create mints a token. Only global admins and the owning station's admin
// may create; granted roles are limited to the readonly and
// station-internal set.
func (s *Service) Create(ctx context.Context, actor auth.Identity, p CreateParams) (*Created, error) {
	p.StationID = strings.TrimSpace(p.StationID)
	if p.StationID == "" {
		return nil, fmt.Errorf("%w: station_id is required", auth.ErrInvalidInput)
	}
	if !actor.Role.CanAdmin() {
		return nil, auth.ErrForbidden
	}
	if !auth.Can(actor, auth.ActionAdmin, auth.ResourceMagicLink, p.StationID) {
		return nil, auth.ErrForbidden
	}

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, actor.Username, ratelimit.ActionMagicLinkCreate); err != nil {
			return nil, err
		}
	}

	role := p.Role
	if role == "" {
		role = auth.RoleReadonly
	}
	if role != auth.RoleReadonly && role != auth.RoleStationInternal {
		return nil, fmt.Errorf("%w: magic links may only grant readonly or station-internal", auth.ErrInvalidInput)
	}

	days := p.ExpiresInDays
	if days == 0 {
		days = defaultExpiryDays
	}
	if days < 1 || days > maxExpiryDays {
		return nil, fmt.Errorf("%w: expires_in_days must be between 1 and %d", auth.ErrInvalidInput, maxExpiryDays)
	}

	secret, hash, err := newSecret()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	token := &Token{
		StationID:    p.StationID,
		Label:        strings.TrimSpace(p.Label),
		Description:  strings.TrimSpace(p.Description),
		Role:         role,
		SecretHash:   hash,
		SecretPrefix: secret[:secretPrefixLen],
		ExpiresAt:    now.Add(time.Duration(days) * 24 * time.Hour),
		SingleUse:    p.SingleUse,
		PinIP:        p.PinIP,
		CreatedBy:    actor.Username,
		CreatedAt:    now,
	}
	if err := s.store.Create(ctx, token); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		// Every creation counts against the window; this action has no
		// success reset.
		_ = s.limiter.Record(ctx, actor.Username, ratelimit.ActionMagicLinkCreate, false)
	}

	url := s.linkURL(p.StationID, secret)
	created := &Created{Token: token.view(now), Secret: secret, URL: url}

	if recipient := strings.TrimSpace(p.RecipientEmail); recipient != "" {
		body := fmt.Sprintf("Access link for station %s (expires %s):\n\n%s\n",
			p.StationID, token.ExpiresAt.Format(time.RFC3339), url)
		if err := s.mailer.Send(ctx, recipient, "Station access link", body); err == nil {
			// Delivery succeeded: favor the weaker disclosure channel and
			// withhold the secret from the API response entirely.
			created.Secret = ""
			created.URL = ""
			created.Emailed = true
		} else if !errors.Is(err, mail.ErrNoSender) {
			obs.Event("error", "magic link mail delivery failed", map[string]any{
				"token_id":   token.ID,
				"station_id": token.StationID,
				"recipient":  recipient,
				"error":      err.Error(),
			})
		}
	}
	return created, nil
}

// Validated is the successful outcome of presenting a secret.
type Validated struct {
	TokenID      string
	StationID    string
	SessionToken string
	ExpiresAt    time.Time
	Identity     auth.Identity
}

// Validate hashes the presented secret, looks the token up by hash and, when
// eligible, consumes a use and mints a short-lived session with magic_link
// provenance. Rejections carry a *RejectError reason class.
func (s *Service) Validate(ctx context.Context, secret, clientIP, userAgent string) (*Validated, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) != secretBytes*2 {
		return nil, &RejectError{Reason: ReasonNotFound}
	}
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, clientIP, ratelimit.ActionMagicLinkValidate); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	token, err := s.store.FindByHash(ctx, hashSecret(secret))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			s.recordValidate(ctx, clientIP, false)
			return nil, &RejectError{Reason: ReasonNotFound}
		}
		return nil, err
	}

	if reject := s.eligibility(token, clientIP, now); reject != nil {
		s.recordValidate(ctx, clientIP, false)
		return nil, reject
	}

	ok, err := s.store.ConsumeUse(ctx, token.ID, clientIP, userAgent, token.SingleUse, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the conditional update: another request consumed the token
		// between our read and the write.
		s.recordValidate(ctx, clientIP, false)
		return nil, &RejectError{Reason: ReasonAlreadyUsed}
	}
	s.recordValidate(ctx, clientIP, true)

	id := auth.Identity{
		Username:   "magic:" + token.SecretPrefix,
		Role:       token.Role,
		StationID:  token.StationID,
		Active:     true,
		Provenance: auth.ProvenanceMagicLink,
	}
	sessionToken, exp, err := s.tokens.Issue(id, s.sessionTTL)
	if err != nil {
		return nil, err
	}
	return &Validated{
		TokenID:      token.ID,
		StationID:    token.StationID,
		SessionToken: sessionToken,
		ExpiresAt:    exp,
		Identity:     id,
	}, nil
}

// eligibility applies the rejection order: revoked, expired, already-used,
// IP mismatch. (Not-found is handled by the hash lookup.)
func (s *Service) eligibility(t *Token, clientIP string, now time.Time) *RejectError {
	if t.IsRevoked() {
		return &RejectError{Reason: ReasonRevoked}
	}
	if t.IsExpired(now) {
		return &RejectError{Reason: ReasonExpired}
	}
	if t.SingleUse && t.IsUsed() {
		return &RejectError{Reason: ReasonAlreadyUsed}
	}
	if t.PinIP && t.IsUsed() && t.FirstUseIP != "" && t.FirstUseIP != clientIP {
		return &RejectError{Reason: ReasonIPMismatch}
	}
	return nil
}

// Revoke terminally disables a token. Global admins and the owning
// station's admin only.
func (s *Service) Revoke(ctx context.Context, actor auth.Identity, tokenID, reason string) error {
	token, err := s.store.Find(ctx, tokenID)
	if err != nil {
		return err
	}
	if !auth.Can(actor, auth.ActionAdmin, auth.ResourceMagicLink, token.StationID) {
		return auth.ErrForbidden
	}
	if token.IsRevoked() {
		return fmt.Errorf("%w: token already revoked", auth.ErrConflict)
	}
	return s.store.Revoke(ctx, tokenID, actor.Username, strings.TrimSpace(reason), s.now().UTC())
}

// List returns caller-scoped views. Station admins only ever see their own
// station regardless of the requested filter.
func (s *Service) List(ctx context.Context, actor auth.Identity, stationID string, includeRevoked, includeExpired bool, limit int) ([]*View, error) {
	if !actor.Role.CanAdmin() {
		return nil, auth.ErrForbidden
	}
	stationID = strings.TrimSpace(stationID)
	if !actor.Role.IsGlobalAdmin() {
		if stationID != "" && stationID != actor.StationID {
			return nil, auth.ErrForbidden
		}
		stationID = actor.StationID
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	now := s.now().UTC()
	tokens, err := s.store.List(ctx, stationID, includeRevoked, includeExpired, limit, now)
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, t.view(now))
	}
	return views, nil
}

// linkURL builds the station-subdomain entry URL for a fresh secret.
func (s *Service) linkURL(stationID, secret string) string {
	return fmt.Sprintf("https://%s.%s/auth/magic?token=%s", stationID, s.parentDomain, secret)
}

func (s *Service) recordValidate(ctx context.Context, clientIP string, success bool) {
	if s.limiter == nil {
		return
	}
	_ = s.limiter.Record(ctx, clientIP, ratelimit.ActionMagicLinkValidate, success)
}

func newSecret() (secret, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret = hex.EncodeToString(buf)
	return secret, hashSecret(secret), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SessionTokenDigest returns the truncated hash used to correlate an issued
// session with its magic link in the audit log. The raw session token is
// never logged.
func SessionTokenDigest(sessionToken string) string {
	sum := sha256.Sum256([]byte(sessionToken))
	return hex.EncodeToString(sum[:])[:16]
}
