package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/aigentsy/dealcore/pkg/deal"
)

// PostgresRepository stores each deal as one JSONB record. Update takes a
// SELECT ... FOR UPDATE row lock, so concurrent writers to the same deal
// queue behind each other instead of interleaving — the row lock is what
// prevents a conflicting money event landing mid-transition.
type PostgresRepository struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deals_state ON deals(state);`

// OpenPostgres connects with the given DSN and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return NewPostgresRepository(ctx, db)
}

// NewPostgresRepository wraps an existing connection pool and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, db *sql.DB) (*PostgresRepository, error) {
	r := &PostgresRepository{db: db}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return r, nil
}

func (r *PostgresRepository) Create(ctx context.Context, d *deal.Deal) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal deal %s: %w", d.ID, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO deals (id, state, record, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, string(d.State), record, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, d.ID)
		}
		return fmt.Errorf("store: insert deal %s: %w", d.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*deal.Deal, error) {
	var record string
	err := r.db.QueryRowContext(ctx, `SELECT record FROM deals WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get deal %s: %w", id, err)
	}
	return decodeDeal(record)
}

func (r *PostgresRepository) Update(ctx context.Context, id string, fn func(*deal.Deal) error) (*deal.Deal, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var record string
	err = tx.QueryRowContext(ctx, `SELECT record FROM deals WHERE id = $1 FOR UPDATE`, id).Scan(&record)
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
		`UPDATE deals SET state = $1, record = $2, updated_at = $3 WHERE id = $4`,
		string(d.State), next, d.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update deal %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit deal %s: %w", id, err)
	}
	return d, nil
}

func (r *PostgresRepository) List(ctx context.Context, states ...deal.State) ([]*deal.Deal, error) {
	query := `SELECT record FROM deals`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state = ANY($1)`
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		args = append(args, pq.Array(names))
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
