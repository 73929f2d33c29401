package requests

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requestColumns = []string{
	"id", "institution_name", "wallet_address", "email", "phone", "description",
	"status", "admin_notes", "reviewed_by", "reviewed_at", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO institution_authorization_requests`).
		WithArgs("req-1", "State University", wallet, "registrar@state.edu",
			sql.NullString{}, sql.NullString{String: "Diplomas", Valid: true},
			"pending", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), &AuthorizationRequest{
		ID: "req-1", InstitutionName: "State University", WalletAddress: wallet,
		Email: "registrar@state.edu", Description: "Diplomas",
		Status: StatusPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Create_CheckViolationIsValidation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO institution_authorization_requests`).
		WillReturnError(&pq.Error{Code: "23514", Message: `violates check constraint "iar_wallet_format"`})

	err := store.Create(context.Background(), &AuthorizationRequest{ID: "req-1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "iar_wallet_format")
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reviewed := created.Add(time.Hour)

	mock.ExpectQuery(`FROM institution_authorization_requests WHERE id = \$1`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(requestColumns).AddRow(
			"req-1", "State University", wallet, "registrar@state.edu", nil, "Diplomas",
			"approved", "looks good", "admin@credgate.io", reviewed, created, reviewed,
		))

	r, err := store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, r.Status)
	assert.Equal(t, "", r.Phone)
	assert.Equal(t, "looks good", r.AdminNotes)
	require.NotNil(t, r.ReviewedAt)
	assert.Equal(t, reviewed, *r.ReviewedAt)
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE id = \$1`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Get_MalformedIDIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE id = \$1`).WithArgs("abc").
		WillReturnError(&pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`})

	_, err := store.Get(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestPostgresStore_List_Filtered(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`WHERE status = \$1\s+ORDER BY created_at DESC, id DESC`).
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows(requestColumns).
			AddRow("req-2", "B College", wallet, "b@college.edu", nil, nil, "pending", nil, nil, nil, now, now).
			AddRow("req-1", "A University", wallet, "a@uni.edu", nil, nil, "pending", nil, nil, nil, now.Add(-time.Hour), now))

	list, err := store.List(context.Background(), StatusPending)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "req-2", list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List_Empty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`ORDER BY created_at DESC`).WillReturnRows(sqlmock.NewRows(requestColumns))

	list, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestPostgresStore_List_ConnectionErrorIsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

	mock.ExpectQuery(`ORDER BY created_at DESC`).WillReturnError(boom)

	_, err := store.List(context.Background(), "")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestPostgresStore_ListByEmail_Lowercases(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE email = \$1`).
		WithArgs("registrar@state.edu").
		WillReturnRows(sqlmock.NewRows(requestColumns))

	_, err := store.ListByEmail(context.Background(), "Registrar@State.EDU")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStatus(t *testing.T) {
	at := time.Now().UTC()
	review := Review{Status: StatusApproved, Notes: "ok", ReviewedBy: "admin@credgate.io", ReviewedAt: at}

	t.Run("pending row updated", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`(?s)UPDATE institution_authorization_requests SET .* WHERE id = \$5 AND status = 'pending'`).
			WithArgs("approved", sql.NullString{String: "ok", Valid: true},
				sql.NullString{String: "admin@credgate.io", Valid: true}, at, "req-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.UpdateStatus(context.Background(), "req-1", review))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal row conflicts", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE institution_authorization_requests`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("req-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := store.UpdateStatus(context.Background(), "req-1", review)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("unknown row not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE institution_authorization_requests`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := store.UpdateStatus(context.Background(), "nope", review)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("malformed id not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE institution_authorization_requests`).
			WillReturnError(&pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`})

		err := store.UpdateStatus(context.Background(), "abc", review)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_CountByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`COUNT\(DISTINCT LOWER\(wallet_address\)\)`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "approved", "rejected", "active"}).
			AddRow(10, 4, 5, 1, 3))

	c, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Counts{Total: 10, Pending: 4, Approved: 5, Rejected: 1, ActiveInstitutions: 3}, c)
}
