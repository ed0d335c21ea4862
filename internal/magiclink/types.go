package magiclink

import (
	"time"

	"sitespectral.org/internal/auth"
)

// Token is the stored magic link record. The secret itself is never
// persisted; only its SHA-256 hash and an 8-character display prefix.
type Token struct {
	ID           string
	StationID    string
	Label        string
	Description  string
	Role         auth.Role
	SecretHash   string
	SecretPrefix string
	ExpiresAt    time.Time
	SingleUse    bool
	PinIP        bool
	FirstUseIP   string
	UseCount     int
	UsedAt       *time.Time
	UsedByIP     string
	UsedByAgent  string
	CreatedBy    string
	CreatedAt    time.Time
	RevokedAt    *time.Time
	RevokedBy    string
	RevokeReason string
}

func (t *Token) IsExpired(now time.Time) bool { return now.After(t.ExpiresAt) }

func (t *Token) IsRevoked() bool { return t.RevokedAt != nil }

func (t *Token) IsUsed() bool { return t.UsedAt != nil }

// View is the externally visible shape. Lifecycle flags are computed from
// timestamps at read time, never stored; the hash never leaves the store.
type View struct {
	ID           string     `json:"id"`
	StationID    string     `json:"station_id"`
	Label        string     `json:"label,omitempty"`
	Description  string     `json:"description,omitempty"`
	Role         string     `json:"role"`
	SecretPrefix string     `json:"token_prefix"`
	ExpiresAt    time.Time  `json:"expires_at"`
	SingleUse    bool       `json:"single_use"`
	PinIP        bool       `json:"ip_pinned"`
	UseCount     int        `json:"use_count"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
	IsExpired    bool       `json:"is_expired"`
	IsRevoked    bool       `json:"is_revoked"`
	IsUsed       bool       `json:"is_used"`
}

func (t *Token) view(now time.Time) *View {
	return &View{
		ID:           t.ID,
		StationID:    t.StationID,
		Label:        t.Label,
		Description:  t.Description,
		Role:         string(t.Role),
		SecretPrefix: t.SecretPrefix,
		ExpiresAt:    t.ExpiresAt,
		SingleUse:    t.SingleUse,
		PinIP:        t.PinIP,
		UseCount:     t.UseCount,
		UsedAt:       t.UsedAt,
		CreatedBy:    t.CreatedBy,
		CreatedAt:    t.CreatedAt,
		RevokedAt:    t.RevokedAt,
		RevokeReason: t.RevokeReason,
		IsExpired:    t.IsExpired(now),
		IsRevoked:    t.IsRevoked(),
		IsUsed:       t.IsUsed(),
	}
}
