package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"sitespectral.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore keeps the attempt log in the auth_attempts table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) RecordAttempt(ctx context.Context, key string, action Action, success bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into auth_attempts(id, client_key, action, success, created_at) values($1,$2,$3,$4,$5)`,
		ids.New(), key, string(action), success, at,
	)
	return err
}

func (s *PGStore) FailureWindow(ctx context.Context, key string, action Action, since time.Time) (int, time.Time, error) {
	var (
		count  int
		oldest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select count(*), min(created_at)
		from auth_attempts
		where client_key=$1 and action=$2 and success=false and created_at > $3
		  and created_at > coalesce(
			(select max(created_at) from auth_attempts
			 where client_key=$1 and action=$2 and success=true),
			'-infinity'::timestamptz)
	`, key, string(action), since).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !oldest.Valid {
		return count, time.Time{}, nil
	}
	return count, oldest.Time, nil
}

// Prune drops attempt rows older than the cutoff. Called from the migrate
// tool's maintenance command; the limiter itself never reads that far back.
func (s *PGStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_attempts where created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
