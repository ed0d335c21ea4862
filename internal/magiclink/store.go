package magiclink

import (
	"context"
	"time"
)

// Store persists magic link tokens.
type Store interface {
	Create(ctx context.Context, t *Token) error
	Find(ctx context.Context, id string) (*Token, error)
	// FindByHash looks a token up by the full secret hash. Lookups never go
	// through the display prefix so the prefix index cannot become an
	// oracle for secret material.
	FindByHash(ctx context.Context, secretHash string) (*Token, error)
	// ConsumeUse atomically increments the use counter, stamping first-use
	// metadata, but only while the token is still eligible (not revoked,
	// not expired, and not already used when singleUse). Returns false when
	// the conditional update matched no row, which is how a lost
	// single-use race surfaces.
	ConsumeUse(ctx context.Context, id, ip, userAgent string, singleUse bool, now time.Time) (bool, error)
	Revoke(ctx context.Context, id, revokedBy, reason string, at time.Time) error
	List(ctx context.Context, stationID string, includeRevoked, includeExpired bool, limit int, now time.Time) ([]*Token, error)
}
