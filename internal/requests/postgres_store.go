package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists requests in the institution_authorization_requests table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `
	SELECT id, institution_name, wallet_address, email, phone, description,
	       status, admin_notes, reviewed_by, reviewed_at, created_at, updated_at
	FROM institution_authorization_requests`

func (p *PostgresStore) Create(ctx context.Context, r *AuthorizationRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO institution_authorization_requests (
			id, institution_name, wallet_address, email, phone, description,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.InstitutionName, r.WalletAddress, r.Email,
		nullString(r.Phone), nullString(r.Description),
		string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	return classify(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*AuthorizationRequest, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, classifyLookup(err)
	}
	return r, nil
}

func (p *PostgresStore) List(ctx context.Context, status Status) ([]*AuthorizationRequest, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = p.db.QueryContext(ctx, selectColumns+`
			ORDER BY created_at DESC, id DESC`)
	} else {
		rows, err = p.db.QueryContext(ctx, selectColumns+`
			WHERE status = $1
			ORDER BY created_at DESC, id DESC`, string(status))
	}
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListByEmail(ctx context.Context, email string) ([]*AuthorizationRequest, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE email = $1
		ORDER BY created_at DESC, id DESC`, strings.ToLower(email))
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

// UpdateStatus moves a pending row to its reviewed status. The pending
// guard lives in the WHERE clause so concurrent reviewers cannot both win.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, review Review) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE institution_authorization_requests SET
			status = $1, admin_notes = $2, reviewed_by = $3,
			reviewed_at = $4, updated_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(review.Status), nullString(review.Notes), nullString(review.ReviewedBy),
		review.ReviewedAt, id,
	)
	if err != nil {
		return classifyLookup(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	err = p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM institution_authorization_requests WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return classifyLookup(err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (*Counts, error) {
	c := &Counts{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'approved'),
		       COUNT(*) FILTER (WHERE status = 'rejected'),
		       COUNT(DISTINCT LOWER(wallet_address)) FILTER (WHERE status = 'approved')
		FROM institution_authorization_requests`,
	).Scan(&c.Total, &c.Pending, &c.Approved, &c.Rejected, &c.ActiveInstitutions)
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

// classify maps driver errors onto the package sentinels: no rows is
// not-found, data exceptions (SQLSTATE class 22) and integrity violations
// (class 23) are validation failures, and anything else means the store
// could not serve the call.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return fmt.Errorf("%w: %s", ErrValidation, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// classifyLookup is classify for statements keyed by id. An id the column
// type cannot represent (e.g. 22P02 for a non-UUID) names no row.
func classifyLookup(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "22" {
		return ErrNotFound
	}
	return classify(err)
}

type requestScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s requestScanner) (*AuthorizationRequest, error) {
	r := &AuthorizationRequest{}
	var (
		status      string
		phone       sql.NullString
		description sql.NullString
		notes       sql.NullString
		reviewedBy  sql.NullString
		reviewedAt  sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.InstitutionName, &r.WalletAddress, &r.Email, &phone, &description,
		&status, &notes, &reviewedBy, &reviewedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.Phone = phone.String
	r.Description = description.String
	r.AdminNotes = notes.String
	r.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*AuthorizationRequest, error) {
	result := make([]*AuthorizationRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
