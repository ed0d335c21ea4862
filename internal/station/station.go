// Package station exposes the read model for monitoring stations. Full CRUD
// for platforms, instruments and ROIs lives in the resource handlers outside
// this core; the auth subsystem only needs stations for scoping checks.
package station

import (
	"context"
	"time"
)

// Station is a research station, the tenant boundary for scoped roles.
type Station struct {
	ID          string    `json:"id"`
	Acronym     string    `json:"acronym"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update carries optional field changes for an admin mutation.
type Update struct {
	DisplayName *string
	Status      *string
}

// Store is the narrow persistence contract the handlers consume.
type Store interface {
	List(ctx context.Context) ([]Station, error)
	Get(ctx context.Context, id string) (Station, error)
	Update(ctx context.Context, id string, upd Update) (Station, error)
}
