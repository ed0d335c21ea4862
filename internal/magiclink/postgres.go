package magiclink

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const tokenColumns = `id, station_id, coalesce(label,''), coalesce(description,''), role,
	secret_hash, secret_prefix, expires_at, single_use, pin_ip,
	coalesce(first_use_ip,''), use_count, used_at, coalesce(used_by_ip,''), coalesce(used_by_agent,''),
	created_by, created_at, revoked_at, coalesce(revoked_by,''), coalesce(revoke_reason,'')`

func (s *PGStore) Create(ctx context.Context, t *Token) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into magic_links(id, station_id, label, description, role,
			secret_hash, secret_prefix, expires_at, single_use, pin_ip,
			created_by, created_at)
		values($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.StationID, t.Label, t.Description, string(t.Role),
		t.SecretHash, t.SecretPrefix, t.ExpiresAt, t.SingleUse, t.PinIP,
		t.CreatedBy, t.CreatedAt,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Token, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from magic_links where id=$1`, id))
}

func (s *PGStore) FindByHash(ctx context.Context, secretHash string) (*Token, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from magic_links where secret_hash=$1`, secretHash))
}

// ConsumeUse is the single atomic write on the validation path. The where
// clause re-checks eligibility so two concurrent presentations of a
// single-use secret cannot both pass.
func (s *PGStore) ConsumeUse(ctx context.Context, id, ip, userAgent string, singleUse bool, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update magic_links
		set use_count = use_count + 1,
		    used_at = coalesce(used_at, $2),
		    first_use_ip = coalesce(first_use_ip, nullif($3,'')),
		    used_by_ip = nullif($3,''),
		    used_by_agent = nullif($4,'')
		where id = $1
		  and revoked_at is null
		  and expires_at > $2
		  and (not $5 or used_at is null)`,
		id, now, ip, userAgent, singleUse,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGStore) Revoke(ctx context.Context, id, revokedBy, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update magic_links
		set revoked_at=$2, revoked_by=$3, revoke_reason=nullif($4,'')
		where id=$1 and revoked_at is null`,
		id, at, revokedBy, reason,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, stationID string, includeRevoked, includeExpired bool, limit int, now time.Time) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+tokenColumns+`
		from magic_links
		where ($1 = '' or station_id = $1)
		  and ($2 or revoked_at is null)
		  and ($3 or expires_at > $4)
		order by created_at desc
		limit $5`,
		stationID, includeRevoked, includeExpired, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanTokenRows(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row *sql.Row) (*Token, error) {
	t, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return t, err
}

func scanTokenRows(rows *sql.Rows) (*Token, error) {
	return scanInto(rows)
}

func scanInto(sc rowScanner) (*Token, error) {
	var (
		t         Token
		role      string
		usedAt    sql.NullTime
		revokedAt sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.StationID, &t.Label, &t.Description, &role,
		&t.SecretHash, &t.SecretPrefix, &t.ExpiresAt, &t.SingleUse, &t.PinIP,
		&t.FirstUseIP, &t.UseCount, &usedAt, &t.UsedByIP, &t.UsedByAgent,
		&t.CreatedBy, &t.CreatedAt, &revokedAt, &t.RevokedBy, &t.RevokeReason)
	if err != nil {
		return nil, err
	}
	parsed, err := auth.ParseRole(role)
	if err != nil {
		return nil, err
	}
	t.Role = parsed
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}
