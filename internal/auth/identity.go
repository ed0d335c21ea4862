package auth

import "time"

// Provenance marks which identity path produced a session.
type Provenance string

const (
	ProvenanceDatabase  Provenance = "database"
	ProvenanceMagicLink Provenance = "magic_link"
	ProvenanceFederated Provenance = "federated"
)

// User is the stored account record. Accounts are deactivated, never deleted.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	StationID    string    `json:"station_id,omitempty"`
	Email        string    `json:"email,omitempty"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity is the resolved principal attached to a request.
type Identity struct {
	ID         string     `json:"id,omitempty"`
	Username   string     `json:"username"`
	Role       Role       `json:"role"`
	StationID  string     `json:"station_scope,omitempty"`
	Email      string     `json:"email,omitempty"`
	Active     bool       `json:"-"`
	Provenance Provenance `json:"provenance,omitempty"`
}

// IdentityForUser builds the request identity for a stored account.
func IdentityForUser(u *User, prov Provenance) Identity {
	return Identity{
		ID:         u.ID,
		Username:   u.Username,
		Role:       u.Role,
		StationID:  u.StationID,
		Email:      u.Email,
		Active:     u.Active,
		Provenance: prov,
	}
}
