package requests

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/credgate/internal/idgen"
	"github.com/mbd888/credgate/internal/validation"
)

// Field limits for submitted requests.
const (
	MaxInstitutionName = 200
	MaxEmail           = 254
	MaxPhone           = 32
	MaxDescription     = validation.MaxStringLength
	MaxNotes           = validation.MaxStringLength
)

// Adapter is the request store as the rest of the service sees it. It owns
// input validation, id and timestamp assignment, and the transition rules.
type Adapter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAdapter wraps store.
func NewAdapter(store Store, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// ListRequests returns the requests matching filter, newest first.
func (a *Adapter) ListRequests(ctx context.Context, filter StatusFilter) ([]*AuthorizationRequest, error) {
	if _, err := ParseFilter(string(filter)); err != nil {
		return nil, err
	}
	start := time.Now()
	list, err := a.store.List(ctx, filter.Status())
	observe("list", start, err)
	return list, err
}

// ListRequestsByEmail returns the requests submitted under email, newest first.
func (a *Adapter) ListRequestsByEmail(ctx context.Context, email string) ([]*AuthorizationRequest, error) {
	email = normalizeEmail(email)
	if errs := validation.Validate(
		validation.Required("email", email),
		validation.ValidEmail("email", email),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrValidation, errs)
	}
	start := time.Now()
	list, err := a.store.ListByEmail(ctx, email)
	observe("list_by_email", start, err)
	return list, err
}

// Get returns one request.
func (a *Adapter) Get(ctx context.Context, id string) (*AuthorizationRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrValidation)
	}
	start := time.Now()
	r, err := a.store.Get(ctx, id)
	observe("get", start, err)
	return r, err
}

// CreateRequest validates fields and stores a new pending request.
func (a *Adapter) CreateRequest(ctx context.Context, fields CreateFields) (*AuthorizationRequest, error) {
	fields.InstitutionName = validation.SanitizeString(fields.InstitutionName, MaxInstitutionName+1)
	fields.WalletAddress = strings.TrimSpace(fields.WalletAddress)
	fields.Email = normalizeEmail(fields.Email)
	fields.Phone = strings.TrimSpace(fields.Phone)
	fields.Description = validation.SanitizeString(fields.Description, MaxDescription+1)

	if errs := validation.Validate(
		validation.Required("institutionName", fields.InstitutionName),
		validation.MaxLength("institutionName", fields.InstitutionName, MaxInstitutionName),
		validation.Required("walletAddress", fields.WalletAddress),
		validation.ValidAddress("walletAddress", fields.WalletAddress),
		validation.Required("email", fields.Email),
		validation.ValidEmail("email", fields.Email),
		validation.MaxLength("email", fields.Email, MaxEmail),
		validation.ValidPhone("phone", fields.Phone),
		validation.MaxLength("description", fields.Description, MaxDescription),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrValidation, errs)
	}

	now := a.now()
	req := &AuthorizationRequest{
		ID:              idgen.RequestID(),
		InstitutionName: fields.InstitutionName,
		WalletAddress:   strings.ToLower(fields.WalletAddress),
		Email:           fields.Email,
		Phone:           fields.Phone,
		Description:     fields.Description,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	start := time.Now()
	err := a.store.Create(ctx, req)
	observe("create", start, err)
	if err != nil {
		return nil, err
	}

	a.logger.Info("authorization request submitted",
		"request_id", req.ID, "institution", req.InstitutionName, "wallet", req.WalletAddress)
	return req, nil
}

// SanitizeNotes is the form in which review notes are stored. The result
// may still exceed MaxNotes by one character so callers can reject it.
func SanitizeNotes(notes string) string {
	return validation.SanitizeString(notes, MaxNotes+1)
}

// UpdateStatus records an administrator's review. Only approved and
// rejected are accepted; a request that is no longer pending yields ErrConflict.
func (a *Adapter) UpdateStatus(ctx context.Context, id string, status Status, notes, reviewer string) error {
	notes = SanitizeNotes(notes)
	if errs := validation.Validate(
		validation.Required("id", id),
		validation.OneOf("status", string(status), string(StatusApproved), string(StatusRejected)),
		validation.MaxLength("notes", notes, MaxNotes),
	); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errs)
	}

	start := time.Now()
	err := a.store.UpdateStatus(ctx, id, Review{
		Status:     status,
		Notes:      notes,
		ReviewedBy: normalizeEmail(reviewer),
		ReviewedAt: a.now(),
	})
	observe("update_status", start, err)
	if err != nil {
		return err
	}

	statusTransitions.WithLabelValues(string(status)).Inc()
	a.logger.Info("authorization request reviewed",
		"request_id", id, "status", string(status), "reviewer", reviewer)
	return nil
}

// CountByStatus aggregates requests for the dashboard.
func (a *Adapter) CountByStatus(ctx context.Context) (*Counts, error) {
	start := time.Now()
	c, err := a.store.CountByStatus(ctx)
	observe("count", start, err)
	return c, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
