// Package migrate applies the schema and seed SQL shipped in the migrations
// directory. Files run in lexical order, each inside its own transaction
// together with the bookkeeping row, so a half-applied file never counts as
// done.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Manager executes SQL migration and seed files stored on disk.
type Manager struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
	migrations    ledger
	seeds         ledger
}

// NewManager constructs a Manager over the given directories.
func NewManager(db *sql.DB, migrationsDir, seedsDir string) *Manager {
	return &Manager{
		db:            db,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		migrations:    ledger{table: "schema_migrations"},
		seeds:         ledger{table: "schema_seeds"},
	}
}

// Up applies all pending .up.sql migrations in lexical order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureLedgers(ctx); err != nil {
		return err
	}
	done, err := m.migrations.applied(ctx, m.db)
	if err != nil {
		return err
	}
	names, err := listSQL(m.migrationsDir, ".up.sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if done[name] {
			continue
		}
		if err := m.apply(ctx, filepath.Join(m.migrationsDir, name), m.migrations, name); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureLedgers(ctx); err != nil {
		return err
	}
	history, err := m.migrations.history(ctx, m.db)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	downPath := filepath.Join(m.migrationsDir, downName)
	if _, err := os.Stat(downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.runFile(ctx, downPath, func(ctx context.Context, tx *sql.Tx) error {
		return m.migrations.remove(ctx, tx, last)
	}); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Seed applies seed files once each. Seed SQL is expected to be idempotent
// anyway, but the ledger keeps reruns cheap.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureLedgers(ctx); err != nil {
		return err
	}
	done, err := m.seeds.applied(ctx, m.db)
	if err != nil {
		return err
	}
	names, err := listSQL(m.seedsDir, ".sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if done[name] {
			continue
		}
		if err := m.apply(ctx, filepath.Join(m.seedsDir, name), m.seeds, name); err != nil {
			return fmt.Errorf("apply seed %s: %w", name, err)
		}
	}
	return nil
}

// Status returns applied migration names in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureLedgers(ctx); err != nil {
		return nil, err
	}
	return m.migrations.history(ctx, m.db)
}

func (m *Manager) ensureLedgers(ctx context.Context) error {
	if err := m.migrations.ensure(ctx, m.db); err != nil {
		return err
	}
	return m.seeds.ensure(ctx, m.db)
}

// apply runs one SQL file and records it in the ledger within the same
// transaction.
func (m *Manager) apply(ctx context.Context, path string, l ledger, name string) error {
	return m.runFile(ctx, path, func(ctx context.Context, tx *sql.Tx) error {
		return l.record(ctx, tx, name)
	})
}

func (m *Manager) runFile(ctx context.Context, path string, after func(context.Context, *sql.Tx) error) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if after != nil {
		if err := after(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ledger is the bookkeeping table tracking which files already ran.
type ledger struct {
	table string
}

func (l ledger) ensure(ctx context.Context, db *sql.DB) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, l.table)
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func (l ledger) applied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, l.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (l ledger) history(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, l.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (l ledger) record(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, l.table),
		name, time.Now().UTC())
	return err
}

func (l ledger) remove(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, l.table), name)
	return err
}

// listSQL returns matching file names in a directory, sorted lexically.
// A missing directory reads as empty. Subdirectories are not descended, so
// the seeds directory can live under migrations without double application.
func listSQL(dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits a SQL file on top-level semicolons. Single-quoted
// strings and line comments are respected; dollar-quoted bodies are not, so
// procedural blocks belong in their own file with a single statement.
func splitStatements(input string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	inComment := false
	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			current.WriteRune(r)
			if r == '\n' {
				inComment = false
			}
		case inString:
			current.WriteRune(r)
			if r == '\'' {
				// A doubled quote stays inside the string.
				if i+1 < len(runes) && runes[i+1] == '\'' {
					current.WriteRune(runes[i+1])
					i++
					continue
				}
				inString = false
			}
		case r == '\'':
			inString = true
			current.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			current.WriteRune(r)
		case r == ';':
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}
