package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitespectral.org/internal/ratelimit"
)

// Service performs credential verification and session issuance.
type Service struct {
	users      UserStore
	tokens     *TokenService
	limiter    *ratelimit.Limiter
	sessionTTL time.Duration
}

func NewService(users UserStore, tokens *TokenService, limiter *ratelimit.Limiter, sessionTTL time.Duration) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Service{users: users, tokens: tokens, limiter: limiter, sessionTTL: sessionTTL}, nil
}

// LoginResult is the successful outcome of a credential login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Identity  Identity
}

// Login verifies credentials against the store and mints a session
// assertion. All credential failures collapse to ErrUnauthenticated; the
// limiter key combines client IP and username so one address cannot walk the
// account list.
func (s *Service) Login(ctx context.Context, username, password, clientIP string) (LoginResult, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return LoginResult{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	key := limiterKey(clientIP, username)
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, key, ratelimit.ActionLogin); err != nil {
			return LoginResult{}, err
		}
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordLogin(ctx, key, false)
			return LoginResult{}, ErrUnauthenticated
		}
		return LoginResult{}, err
	}
	if !user.Active {
		s.recordLogin(ctx, key, false)
		return LoginResult{}, ErrUnauthenticated
	}
	if !VerifyPassword(user.PasswordHash, password) {
		s.recordLogin(ctx, key, false)
		return LoginResult{}, ErrUnauthenticated
	}
	s.recordLogin(ctx, key, true)

	id := IdentityForUser(user, ProvenanceDatabase)
	token, exp, err := s.tokens.Issue(id, s.sessionTTL)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: exp, Identity: id}, nil
}

// ChangePassword re-verifies the current password before storing a new hash.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if next == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if !user.Active {
		return ErrUnauthenticated
	}
	if !VerifyPassword(user.PasswordHash, current) {
		return ErrUnauthenticated
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, user.ID, hash)
}

// Provision creates an account. Administrative path; the caller's authority
// is checked at the handler boundary with Can.
func (s *Service) Provision(ctx context.Context, username, password string, role Role, stationID, email string) (*User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role", ErrInvalidInput)
	}
	if role == RoleStationInternal {
		return nil, fmt.Errorf("%w: %s is only issued via magic links", ErrInvalidInput, role)
	}
	if role.IsScoped() && strings.TrimSpace(stationID) == "" {
		return nil, fmt.Errorf("%w: %s requires a station", ErrInvalidInput, role)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		Role:         role,
		StationID:    strings.TrimSpace(stationID),
		Email:        strings.TrimSpace(strings.ToLower(email)),
		Active:       true,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Deactivate soft-disables an account. Accounts are never hard-deleted.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	return s.users.Deactivate(ctx, userID)
}

// ResolveByEmail looks up an active account for a federated assertion.
func (s *Service) ResolveByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

// Tokens exposes the token service for transport-level verification.
func (s *Service) Tokens() *TokenService { return s.tokens }

func (s *Service) recordLogin(ctx context.Context, key string, success bool) {
	if s.limiter == nil {
		return
	}
	// Attempt logging must not mask the login outcome.
	_ = s.limiter.Record(ctx, key, ratelimit.ActionLogin, success)
}

func limiterKey(clientIP, username string) string {
	return clientIP + "|" + username
}
