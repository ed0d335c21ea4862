package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims is the signed claim set carried by a session assertion.
type SessionClaims struct {
	Role         string   `json:"role"`
	StationID    string   `json:"station_scope,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Provenance   string   `json:"provenance,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 session assertions. The signing
// secret is process-wide configuration; rotating it invalidates every
// outstanding session, which is acceptable for short-lived assertions.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenService(secret, issuer string) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("auth: issuer is required")
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source. Test use only.
func (s *TokenService) WithClock(fn func() time.Time) *TokenService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// Issue signs a session assertion for the identity with the given lifetime.
func (s *TokenService) Issue(id Identity, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(id.Username) == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if !id.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown role", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := SessionClaims{
		Role:         string(id.Role),
		StationID:    id.StationID,
		Capabilities: id.Role.Capabilities(),
		Provenance:   string(id.Provenance),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// tokenError satisfies errors.Is(err, ErrUnauthenticated) while retaining a
// failure class for internal logging. The class is never sent to clients.
type tokenError struct {
	reason string
}

func (e *tokenError) Error() string { return "auth: unauthenticated" }

func (e *tokenError) Is(target error) bool { return target == ErrUnauthenticated }

// FailureReason extracts the internal verification failure class
// (expired, signature_invalid, malformed, claims_invalid) for audit logging.
func FailureReason(err error) string {
	var te *tokenError
	if errors.As(err, &te) {
		return te.reason
	}
	return ""
}

// Verify checks signature, issuer and expiry. All failures look identical to
// the caller; use FailureReason for server-side logging only.
func (s *TokenService) Verify(token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &tokenError{reason: "malformed"}
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, &tokenError{reason: "expired"}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, &tokenError{reason: "signature_invalid"}
		default:
			return nil, &tokenError{reason: "malformed"}
		}
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, &tokenError{reason: "malformed"}
	}
	if claims.Issuer != s.issuer {
		return nil, &tokenError{reason: "claims_invalid"}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, &tokenError{reason: "claims_invalid"}
	}
	if _, err := ParseRole(claims.Role); err != nil {
		return nil, &tokenError{reason: "claims_invalid"}
	}
	return claims, nil
}

// IdentityFromClaims rebuilds the request identity from verified claims.
func IdentityFromClaims(claims *SessionClaims) Identity {
	role, _ := ParseRole(claims.Role)
	return Identity{
		Username:   claims.Subject,
		Role:       role,
		StationID:  claims.StationID,
		Active:     true,
		Provenance: Provenance(claims.Provenance),
	}
}
