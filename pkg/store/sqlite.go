package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aigentsy/dealcore/pkg/deal"
)

// SQLiteRepository stores each deal aggregate as one JSON record. Suited
// to single-node deployments and tests; the serialized write transaction
// gives the same per-deal ordering the memory store gets from its mutex.
type SQLiteRepository struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	record     JSON NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deals_state ON deals(state);`

// OpenSQLite opens (creating if needed) a SQLite-backed repository at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// A single write connection sidesteps SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)
	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewSQLiteRepository wraps an existing handle, e.g. one shared with other
// subsystems.
func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	_, err := r.db.ExecContext(context.Background(), sqliteSchema)
	if err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

func (r *SQLiteRepository) Create(ctx context.Context, d *deal.Deal) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal deal %s: %w", d.ID, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO deals (id, state, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, string(d.State), string(record),
		d.CreatedAt.UTC().Format(time.RFC3339Nano), d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, d.ID)
		}
		return fmt.Errorf("store: insert deal %s: %w", d.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*deal.Deal, error) {
	var record string
	err := r.db.QueryRowContext(ctx, `SELECT record FROM deals WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get deal %s: %w", id, err)
	}
	return decodeDeal(record)
}

func (r *SQLiteRepository) Update(ctx context.Context, id string, fn func(*deal.Deal) error) (*deal.Deal, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var record string
	err = tx.QueryRowContext(ctx, `SELECT record FROM deals WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock deal %s: %w", id, err)
	}
	d, err := decodeDeal(record)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", deal.ErrTerminalState, id, d.State)
	}
	if err := fn(d); err != nil {
		return nil, err
	}

	next, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("store: marshal deal %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE deals SET state = ?, record = ?, updated_at = ? WHERE id = ?`,
		string(d.State), string(next), d.UpdatedAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update deal %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit deal %s: %w", id, err)
	}
	return d, nil
}

func (r *SQLiteRepository) List(ctx context.Context, states ...deal.State) ([]*deal.Deal, error) {
	query := `SELECT record FROM deals`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (` + placeholders("?", len(states)) + `)`
		for _, s := range states {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list deals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*deal.Deal
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		d, err := decodeDeal(record)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decodeDeal(record string) (*deal.Deal, error) {
	var d deal.Deal
	if err := json.Unmarshal([]byte(record), &d); err != nil {
		return nil, fmt.Errorf("store: decode deal record: %w", err)
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite and lib/pq both surface constraint failures in
	// the message; matching on it avoids driver-specific error types here.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// placeholders joins n copies of p with commas, e.g. "?, ?, ?".
func placeholders(p string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = p
	}
	return strings.Join(parts, ", ")
}
