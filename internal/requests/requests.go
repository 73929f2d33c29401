// Package requests stores institution authorization requests.
//
// Lifecycle:
//  1. An institution submits a request → status: pending
//  2. An administrator approves it (after the wallet is allow-listed on chain) → status: approved
//  3. Or rejects it → status: rejected
//
// Approved and rejected are terminal; the store refuses to move a row out of them.
// Rows are never deleted.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation       = errors.New("requests: validation failed")
	ErrNotFound         = errors.New("requests: not found")
	ErrConflict         = errors.New("requests: request already reviewed")
	ErrStoreUnavailable = errors.New("requests: store unavailable")
)

// Status is the review state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsTerminal returns true once a request has been reviewed.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// StatusFilter selects which requests a listing returns.
type StatusFilter string

const (
	FilterAll      StatusFilter = "all"
	FilterPending  StatusFilter = "pending"
	FilterApproved StatusFilter = "approved"
	FilterRejected StatusFilter = "rejected"
)

// ParseFilter reads a filter from a query string value. Empty means all.
func ParseFilter(s string) (StatusFilter, error) {
	switch StatusFilter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterPending, FilterApproved, FilterRejected:
		return StatusFilter(s), nil
	}
	return "", fmt.Errorf("%w: unknown filter %q", ErrValidation, s)
}

// Status returns the status the filter matches, or "" for FilterAll.
func (f StatusFilter) Status() Status {
	if f == FilterAll {
		return ""
	}
	return Status(f)
}

// AuthorizationRequest is one institution's application to be allow-listed.
type AuthorizationRequest struct {
	ID              string     `json:"id"`
	InstitutionName string     `json:"institutionName"`
	WalletAddress   string     `json:"walletAddress"`
	Email           string     `json:"email"`
	Phone           string     `json:"phone,omitempty"`
	Description     string     `json:"description,omitempty"`
	Status          Status     `json:"status"`
	AdminNotes      string     `json:"adminNotes,omitempty"`
	ReviewedBy      string     `json:"reviewedBy,omitempty"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r *AuthorizationRequest) Clone() *AuthorizationRequest {
	cp := *r
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

// CreateFields are the institution-supplied fields of a new request.
type CreateFields struct {
	InstitutionName string `json:"institutionName"`
	WalletAddress   string `json:"walletAddress"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Description     string `json:"description"`
}

// Review is the outcome written by UpdateStatus.
type Review struct {
	Status     Status
	Notes      string
	ReviewedBy string
	ReviewedAt time.Time
}

// Counts aggregates requests for the operations dashboard.
type Counts struct {
	Total              int `json:"total"`
	Pending            int `json:"pending"`
	Approved           int `json:"approved"`
	Rejected           int `json:"rejected"`
	ActiveInstitutions int `json:"activeInstitutions"` // distinct approved wallets
}

// Store persists authorization requests.
//
// UpdateStatus must apply only to a pending row: ErrNotFound for an unknown id,
// ErrConflict when the row is already terminal.
type Store interface {
	Create(ctx context.Context, req *AuthorizationRequest) error
	Get(ctx context.Context, id string) (*AuthorizationRequest, error)
	List(ctx context.Context, status Status) ([]*AuthorizationRequest, error)
	ListByEmail(ctx context.Context, email string) ([]*AuthorizationRequest, error)
	UpdateStatus(ctx context.Context, id string, review Review) error
	CountByStatus(ctx context.Context) (*Counts, error)
}
