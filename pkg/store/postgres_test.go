package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigentsy/dealcore/pkg/deal"
)

func newPostgresRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS deals").
		WillReturnResult(sqlmock.NewResult(0, 0))
	repo, err := NewPostgresRepository(context.Background(), db)
	require.NoError(t, err)
	return repo, mock
}

func recordOf(t *testing.T, d *deal.Deal) string {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return string(raw)
}

func TestPostgresRepository_Create(t *testing.T) {
	repo, mock := newPostgresRepo(t)
	d := newDeal(t)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO deals (id, state, record, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`)).
		WithArgs(d.ID, string(deal.StateProposed), sqlmock.AnyArg(), d.CreatedAt, d.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateLocksRow(t *testing.T) {
	repo, mock := newPostgresRepo(t)
	d := newDeal(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT record FROM deals WHERE id = $1 FOR UPDATE`)).
		WithArgs(d.ID).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(recordOf(t, d)))
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE deals SET state = $1, record = $2, updated_at = $3 WHERE id = $4`)).
		WithArgs(string(deal.StateAccepted), sqlmock.AnyArg(), sqlmock.AnyArg(), d.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	updated, err := repo.Update(context.Background(), d.ID, func(cur *deal.Deal) error {
		return cur.Transition(deal.StateAccepted, "buyer", nil, storeNow)
	})
	require.NoError(t, err)
	assert.Equal(t, deal.StateAccepted, updated.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateRollsBackOnError(t *testing.T) {
	repo, mock := newPostgresRepo(t)
	d := newDeal(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT record FROM deals WHERE id = $1 FOR UPDATE`)).
		WithArgs(d.ID).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(recordOf(t, d)))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), d.ID, func(cur *deal.Deal) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateTerminal(t *testing.T) {
	repo, mock := newPostgresRepo(t)
	d := newDeal(t)
	d.State = deal.StateBreached

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT record FROM deals WHERE id = $1 FOR UPDATE`)).
		WithArgs(d.ID).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(recordOf(t, d)))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), d.ID, func(cur *deal.Deal) error { return nil })
	assert.ErrorIs(t, err, deal.ErrTerminalState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetNotFound(t *testing.T) {
	repo, mock := newPostgresRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT record FROM deals WHERE id = $1`)).
		WithArgs("deal_missing").
		WillReturnRows(sqlmock.NewRows([]string{"record"}))

	_, err := repo.Get(context.Background(), "deal_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
