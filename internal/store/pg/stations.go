package pg

import (
	"context"
	"database/sql"
	"errors"

	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/station"
)

var _ station.Store = (*StationStore)(nil)

// StationStore implements station.Store.
type StationStore struct {
	db *sql.DB
}

func NewStationStore(db *sql.DB) *StationStore {
	return &StationStore{db: db}
}

const stationColumns = `id, acronym, name, coalesce(display_name,''), latitude, longitude, status, created_at, updated_at`

func (s *StationStore) List(ctx context.Context) ([]station.Station, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+stationColumns+` from stations order by acronym`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []station.Station
	for rows.Next() {
		var st station.Station
		if err := rows.Scan(&st.ID, &st.Acronym, &st.Name, &st.DisplayName,
			&st.Latitude, &st.Longitude, &st.Status, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *StationStore) Get(ctx context.Context, id string) (station.Station, error) {
	var st station.Station
	err := s.db.QueryRowContext(ctx,
		`select `+stationColumns+` from stations where id=$1`, id,
	).Scan(&st.ID, &st.Acronym, &st.Name, &st.DisplayName,
		&st.Latitude, &st.Longitude, &st.Status, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return station.Station{}, auth.ErrNotFound
	}
	if err != nil {
		return station.Station{}, err
	}
	return st, nil
}

func (s *StationStore) Update(ctx context.Context, id string, upd station.Update) (station.Station, error) {
	res, err := s.db.ExecContext(ctx, `
		update stations
		set display_name = coalesce($2, display_name),
		    status = coalesce($3, status),
		    updated_at = now()
		where id = $1`,
		id, upd.DisplayName, upd.Status,
	)
	if err != nil {
		return station.Station{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return station.Station{}, err
	}
	if n == 0 {
		return station.Station{}, auth.ErrNotFound
	}
	return s.Get(ctx, id)
}
