package requests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/validation"
)

const wallet = "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"

func newTestAdapter() (*Adapter, *MemoryStore, *time.Time) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAdapter(store, nil).WithClock(func() time.Time { return now })
	return a, store, &now
}

func validFields() CreateFields {
	return CreateFields{
		InstitutionName: "State University",
		WalletAddress:   wallet,
		Email:           "Registrar@State.edu",
		Phone:           "+1 555 010 2000",
		Description:     "Diploma issuance",
	}
}

func TestCreateRequest_AssignsServerFields(t *testing.T) {
	a, _, now := newTestAdapter()

	req, err := a.CreateRequest(context.Background(), validFields())
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, *now, req.CreatedAt)
	assert.Equal(t, *now, req.UpdatedAt)
	assert.Equal(t, "registrar@state.edu", req.Email)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", req.WalletAddress)
}

func TestCreateRequest_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *CreateFields)
		field  string
	}{
		{"missing name", func(f *CreateFields) { f.InstitutionName = "  " }, "institutionName"},
		{"41 hex chars", func(f *CreateFields) { f.WalletAddress = wallet + "2" }, "walletAddress"},
		{"no 0x prefix", func(f *CreateFields) { f.WalletAddress = wallet[2:] }, "walletAddress"},
		{"bad email", func(f *CreateFields) { f.Email = "registrar" }, "email"},
		{"bad phone", func(f *CreateFields) { f.Phone = "call the office" }, "phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, store, _ := newTestAdapter()
			f := validFields()
			tt.mutate(&f)

			_, err := a.CreateRequest(context.Background(), f)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var verrs validation.ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)

			list, _ := store.List(context.Background(), "")
			assert.Empty(t, list)
		})
	}
}

func TestListRequests_NewestFirstAndFiltered(t *testing.T) {
	a, _, now := newTestAdapter()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		*now = now.Add(time.Minute)
		r, err := a.CreateRequest(ctx, validFields())
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	require.NoError(t, a.UpdateStatus(ctx, ids[0], StatusRejected, "incomplete", "admin@credgate.io"))

	all, err := a.ListRequests(ctx, FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	pending, err := a.ListRequests(ctx, FilterPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	rejected, err := a.ListRequests(ctx, FilterRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "incomplete", rejected[0].AdminNotes)

	_, err = a.ListRequests(ctx, StatusFilter("archived"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListRequestsByEmail(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	_, err := a.CreateRequest(ctx, validFields())
	require.NoError(t, err)
	other := validFields()
	other.Email = "dean@college.edu"
	_, err = a.CreateRequest(ctx, other)
	require.NoError(t, err)

	mine, err := a.ListRequestsByEmail(ctx, "REGISTRAR@state.edu")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "registrar@state.edu", mine[0].Email)

	none, err := a.ListRequestsByEmail(ctx, "nobody@nowhere.edu")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateStatus_Transitions(t *testing.T) {
	a, _, now := newTestAdapter()
	ctx := context.Background()

	req, err := a.CreateRequest(ctx, validFields())
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	require.NoError(t, a.UpdateStatus(ctx, req.ID, StatusApproved, "verified accreditation", "Admin@credgate.io"))

	got, err := a.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "admin@credgate.io", got.ReviewedBy)
	assert.Equal(t, *now, got.UpdatedAt)
	require.NotNil(t, got.ReviewedAt)

	// Terminal rows never move again.
	err = a.UpdateStatus(ctx, req.ID, StatusRejected, "", "admin@credgate.io")
	assert.ErrorIs(t, err, ErrConflict)
	err = a.UpdateStatus(ctx, req.ID, StatusApproved, "", "admin@credgate.io")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpdateStatus_Errors(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	req, err := a.CreateRequest(ctx, validFields())
	require.NoError(t, err)

	err = a.UpdateStatus(ctx, req.ID, StatusPending, "", "admin@credgate.io")
	assert.ErrorIs(t, err, ErrValidation)

	err = a.UpdateStatus(ctx, "missing", StatusApproved, "", "admin@credgate.io")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_ConcurrentReviewersOneWins(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	req, err := a.CreateRequest(ctx, validFields())
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusApproved
			if i%2 == 0 {
				status = StatusRejected
			}
			err := a.UpdateStatus(ctx, req.ID, status, "", "admin@credgate.io")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, conflicts)
}

func TestCountByStatus(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		r, err := a.CreateRequest(ctx, validFields())
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	require.NoError(t, a.UpdateStatus(ctx, ids[0], StatusApproved, "", "a@credgate.io"))
	require.NoError(t, a.UpdateStatus(ctx, ids[1], StatusApproved, "", "a@credgate.io"))
	require.NoError(t, a.UpdateStatus(ctx, ids[2], StatusRejected, "", "a@credgate.io"))

	counts, err := a.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Counts{Total: 4, Pending: 1, Approved: 2, Rejected: 1, ActiveInstitutions: 1}, counts)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	a, store, _ := newTestAdapter()
	ctx := context.Background()

	req, err := a.CreateRequest(ctx, validFields())
	require.NoError(t, err)

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	got.Status = StatusApproved

	again, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, f)
	assert.Equal(t, Status(""), f.Status())

	f, err = ParseFilter("approved")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, f.Status())

	_, err = ParseFilter("bogus")
	assert.ErrorIs(t, err, ErrValidation)
}
