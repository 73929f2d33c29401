package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/chain"
	"github.com/mbd888/credgate/internal/requests"
)

func TestApprove_ConfirmedThenPersisted(t *testing.T) {
	h := newHarness()
	c := h.controller()
	ctx := context.Background()
	r := h.submit(t, "State University", walletA)

	dec, err := c.Approve(ctx, r.ID, "accreditation verified")
	require.NoError(t, err)
	assert.True(t, dec.Persisted)
	assert.Equal(t, StateApproved, dec.State)
	assert.NotEmpty(t, dec.TxHash)
	require.NotNil(t, dec.Receipt)
	assert.Equal(t, dec.TxHash, dec.Receipt.TxHash)

	got := h.stored(t, r.ID)
	assert.Equal(t, requests.StatusApproved, got.Status)
	assert.Equal(t, "accreditation verified", got.AdminNotes)
	assert.Equal(t, "admin@credgate.io", got.ReviewedBy)
	assert.True(t, h.chain.isAuthorized(walletA))

	assert.Equal(t, []State{StateApprovingOnChain, StateApprovingOnChain, StatePersistingApproval, StateApproved},
		h.notifier.states(r.ID))

	c.SetFilter(requests.FilterAll)
	require.NoError(t, c.Refresh(ctx))
	v := c.View()
	assert.Empty(t, v.ProcessingID)
	assert.Empty(t, v.SelectedID)
	require.Len(t, v.Requests, 1)
	assert.Equal(t, requests.StatusApproved, v.Requests[0].Status)
	require.NotNil(t, v.Banner)
	assert.Equal(t, BannerSuccess, v.Banner.Level)
}

func TestApprove_StoreFailsAfterConfirmationIsPartialSuccess(t *testing.T) {
	h := newHarness()
	c := h.controller()
	ctx := context.Background()
	r := h.submit(t, "State University", walletA)
	h.store.failUpdates.Store(true)

	dec, err := c.Approve(ctx, r.ID, "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPartialSuccess))
	assert.Equal(t, StateFailed, dec.State)
	assert.False(t, dec.Persisted)
	assert.Equal(t, int32(2), h.store.updates.Load(), "store write is retried")

	// The chain is authoritative; the record still reads pending.
	assert.Equal(t, requests.StatusPending, h.stored(t, r.ID).Status)
	state, err := h.chain.IsAuthorized(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, chain.Authorized, state)

	f, ok := c.Flow(r.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, f.State)
	assert.Equal(t, KindPartialSuccess, f.Kind)

	v := c.View()
	assert.Equal(t, []string{r.ID}, v.PartiallySynced)
	require.NotNil(t, v.Banner)
	assert.Equal(t, BannerError, v.Banner.Level)
	assert.Contains(t, v.Banner.Message, "Retry status sync")
	assert.Nil(t, v.Banner.ExpiresAt)
	assert.Empty(t, v.ProcessingID)

	// Retry skips the chain write once the wallet is on the allow-list.
	h.store.failUpdates.Store(false)
	calls := h.chain.calls()
	dec, err = c.RetrySync(ctx, r.ID, "")
	require.NoError(t, err)
	assert.True(t, dec.Persisted)
	assert.True(t, dec.Receipt.AlreadyAuthorized)
	assert.Equal(t, calls, h.chain.calls())
	assert.Equal(t, requests.StatusApproved, h.stored(t, r.ID).Status)
	assert.Empty(t, c.View().PartiallySynced)
}

func TestRetrySync_NotOrUnknownAuthorized(t *testing.T) {
	h := newHarness()
	c := h.controller()
	ctx := context.Background()
	r := h.submit(t, "State University", walletA)

	_, err := c.RetrySync(ctx, r.ID, "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindChainError))
	assert.Contains(t, err.Error(), "not on the allow-list")

	h.chain.unknown = true
	_, err = c.RetrySync(ctx, r.ID, "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindChainError))
	assert.Contains(t, err.(*FlowError).Message(), "re-check authorization")

	assert.Equal(t, requests.StatusPending, h.stored(t, r.ID).Status)
	assert.Zero(t, h.store.updates.Load())
}

func TestApprove_SecondActionWhileProcessingIsBusy(t *testing.T) {
	h := newHarness()
	h.chain.gate = make(chan struct{})
	c := h.controller()
	ctx := context.Background()
	r1 := h.submit(t, "First University", walletA)
	r2 := h.submit(t, "Second College", walletB)

	require.NoError(t, c.StartApprove(ctx, r1.ID, ""))
	require.Eventually(t, func() bool {
		f, ok := c.Flow(r1.ID)
		return ok && f.TxHash != ""
	}, time.Second, time.Millisecond)

	err := c.StartApprove(ctx, r2.ID, "")
	assert.True(t, IsKind(err, KindBusy))
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.Approve(ctx, r2.ID, "")
	assert.True(t, IsKind(err, KindBusy))
	assert.True(t, IsKind(c.Reject(ctx, r2.ID, ""), KindBusy))
	assert.True(t, IsKind(c.Select(r2.ID), KindBusy))
	assert.NoError(t, c.Select(r1.ID))
	assert.Equal(t, r1.ID, c.View().ProcessingID)

	close(h.chain.gate)
	c.Wait()

	f, _ := c.Flow(r1.ID)
	assert.Equal(t, StateApproved, f.State)
	assert.Equal(t, requests.StatusApproved, h.stored(t, r1.ID).Status)
	assert.Equal(t, requests.StatusPending, h.stored(t, r2.ID).Status)
	assert.Equal(t, 1, h.chain.calls())
	assert.Empty(t, c.View().ProcessingID)
	assert.Empty(t, c.View().SelectedID)
}

func TestReject_NoChainCall(t *testing.T) {
	h := newHarness()
	c := h.controller()
	r := h.submit(t, "State University", walletA)

	require.NoError(t, c.Reject(context.Background(), r.ID, "insufficient documentation"))

	got := h.stored(t, r.ID)
	assert.Equal(t, requests.StatusRejected, got.Status)
	assert.Equal(t, "insufficient documentation", got.AdminNotes)
	assert.Zero(t, h.chain.calls())
	assert.Equal(t, []State{StateRejecting, StateRejected}, h.notifier.states(r.ID))
}

func TestReviewedRowMatchesStoredNotes(t *testing.T) {
	h := newHarness()
	c := h.controller()
	ctx := context.Background()
	rejected := h.submit(t, "State University", walletA)
	approved := h.submit(t, "City College", walletB)

	c.SetFilter(requests.FilterAll)
	require.NoError(t, c.Refresh(ctx))

	require.NoError(t, c.Reject(ctx, rejected.ID, "  missing charter\x00 "))
	_, err := c.Approve(ctx, approved.ID, "\tverified\n")
	require.NoError(t, err)

	// The local copy is updated before the next poll and must not drift
	// from what was written.
	rows := map[string]*requests.AuthorizationRequest{}
	for _, r := range c.View().Requests {
		rows[r.ID] = r
	}
	require.Len(t, rows, 2)
	assert.Equal(t, "missing charter", rows[rejected.ID].AdminNotes)
	assert.Equal(t, h.stored(t, rejected.ID).AdminNotes, rows[rejected.ID].AdminNotes)
	assert.Equal(t, "verified", rows[approved.ID].AdminNotes)
	assert.Equal(t, h.stored(t, approved.ID).AdminNotes, rows[approved.ID].AdminNotes)
}

func TestReject_FailureReturnsToPending(t *testing.T) {
	h := newHarness()
	c := h.controller()
	r := h.submit(t, "State University", walletA)
	h.store.failUpdates.Store(true)

	err := c.Reject(context.Background(), r.ID, "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStoreUnavailable))

	f, _ := c.Flow(r.ID)
	assert.Equal(t, StatePending, f.State)
	assert.Equal(t, KindStoreUnavailable, f.Kind)
	v := c.View()
	require.NotNil(t, v.Banner)
	assert.Equal(t, BannerError, v.Banner.Level)
	assert.Contains(t, v.Banner.Detail, "connection refused")
	assert.Empty(t, v.ProcessingID)
}

func TestApprove_ChainFailuresLeaveStoreUntouched(t *testing.T) {
	tests := []struct {
		name         string
		authorizeErr error
		awaitErr     error
		want         Kind
	}{
		{"no wallet", chain.ErrWalletUnavailable, nil, KindWalletUnavailable},
		{"signer declined", chain.ErrUserRejected, nil, KindUserRejected},
		{"revert", &chain.CallError{Op: "estimate", Reason: "Ownable: caller is not the owner", Err: errors.New("execution reverted")}, nil, KindChainError},
		{"reverted receipt", nil, &chain.CallError{Op: "confirm", TxHash: "0xabc", Err: errors.New("transaction reverted")}, KindChainError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.chain.authorizeErr = tt.authorizeErr
			h.chain.awaitErr = tt.awaitErr
			c := h.controller()
			r := h.submit(t, "State University", walletA)

			dec, err := c.Approve(context.Background(), r.ID, "")
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.want), "got %v", err)
			assert.Equal(t, StateFailed, dec.State)
			assert.Equal(t, requests.StatusPending, h.stored(t, r.ID).Status)
			assert.Zero(t, h.store.updates.Load())
			assert.Empty(t, c.View().PartiallySynced)
		})
	}
}

func TestApprove_RevertReasonReachesBanner(t *testing.T) {
	h := newHarness()
	h.chain.authorizeErr = &chain.CallError{Op: "estimate", Reason: "Ownable: caller is not the owner", Err: errors.New("execution reverted")}
	c := h.controller()
	r := h.submit(t, "State University", walletA)

	_, err := c.Approve(context.Background(), r.ID, "")
	require.Error(t, err)

	b := c.View().Banner
	require.NotNil(t, b)
	assert.Contains(t, b.Message, "Ownable: caller is not the owner")
	assert.Equal(t, KindChainError, b.Kind)
}

func TestApprove_ConfirmationTimeout(t *testing.T) {
	h := newHarness()
	h.cfg.ConfirmationTimeout = 20 * time.Millisecond
	h.chain.gate = make(chan struct{})
	defer close(h.chain.gate)
	c := h.controller()
	r := h.submit(t, "State University", walletA)

	dec, err := c.Approve(context.Background(), r.ID, "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.NotEmpty(t, dec.TxHash)
	assert.Equal(t, requests.StatusPending, h.stored(t, r.ID).Status)

	b := c.View().Banner
	require.NotNil(t, b)
	assert.Contains(t, b.Message, "re-check the authorization")
	assert.Contains(t, b.Message, dec.TxHash)
}

func TestApprove_AlreadyAuthorizedIsIdempotent(t *testing.T) {
	h := newHarness()
	h.chain.authorized[walletA] = true
	c := h.controller()
	r := h.submit(t, "State University", walletA)

	dec, err := c.Approve(context.Background(), r.ID, "")
	require.NoError(t, err)
	assert.True(t, dec.Receipt.AlreadyAuthorized)
	assert.Empty(t, dec.TxHash)
	assert.Equal(t, requests.StatusApproved, h.stored(t, r.ID).Status)
}

func TestApprove_NotPendingOrMissing(t *testing.T) {
	h := newHarness()
	c := h.controller()
	ctx := context.Background()
	r := h.submit(t, "State University", walletA)
	require.NoError(t, c.Reject(ctx, r.ID, ""))

	_, err := c.Approve(ctx, r.ID, "")
	assert.True(t, IsKind(err, KindConflict))
	assert.Zero(t, h.chain.calls())

	_, err = c.Approve(ctx, "does-not-exist", "")
	assert.True(t, IsKind(err, KindNotFound))

	_, err = c.Approve(ctx, "", "")
	assert.True(t, IsKind(err, KindValidation))
}

func TestApprove_NotesTooLongFailsBeforeChain(t *testing.T) {
	h := newHarness()
	c := h.controller()
	r := h.submit(t, "State University", walletA)

	long := make([]byte, requests.MaxNotes+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := c.Approve(context.Background(), r.ID, string(long))
	assert.True(t, IsKind(err, KindValidation))
	assert.Zero(t, h.chain.calls())
}

func TestApprove_ConcurrentSessionsOneWins(t *testing.T) {
	h := newHarness()
	sessions := NewSessions(h.adapter, h.chain, h.cfg, nil, nil)
	defer func() { _ = sessions.Shutdown(context.Background()) }()
	r := h.submit(t, "State University", walletA)

	reviewers := []string{"alice@credgate.io", "bob@credgate.io", "carol@credgate.io"}
	errs := make([]error, len(reviewers))
	var wg sync.WaitGroup
	for i, who := range reviewers {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			_, errs[i] = sessions.Open(who).Approve(context.Background(), r.ID, "")
		}(i, who)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case IsKind(err, KindConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, conflicts)
	assert.Equal(t, 1, h.chain.calls())
}

func TestAuthorizeAddress(t *testing.T) {
	h := newHarness()
	c := h.controller()
	ctx := context.Background()

	dec, err := c.AuthorizeAddress(ctx, "  "+walletB+" ")
	require.NoError(t, err)
	assert.Equal(t, StateApproved, dec.State)
	assert.True(t, h.chain.isAuthorized(walletB))

	dec, err = c.AuthorizeAddress(ctx, walletB)
	require.NoError(t, err)
	assert.True(t, dec.Receipt.AlreadyAuthorized)
	assert.Contains(t, c.View().Banner.Message, "already authorized")

	_, err = c.AuthorizeAddress(ctx, "0xABCDEF0123456789ABCDEF0123456789ABCDEF012")
	assert.True(t, IsKind(err, KindValidation))
	assert.Empty(t, c.View().ProcessingID)
}

func TestSuccessBannerExpires(t *testing.T) {
	h := newHarness()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := h.controller(WithClock(clock))
	r := h.submit(t, "State University", walletA)

	require.NoError(t, c.Reject(context.Background(), r.ID, ""))
	require.NotNil(t, c.View().Banner)

	mu.Lock()
	now = now.Add(SuccessBannerTTL)
	mu.Unlock()
	assert.Nil(t, c.View().Banner)
}

func TestErrorBannerPersistsUntilDismissed(t *testing.T) {
	h := newHarness()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := h.controller(WithClock(func() time.Time { return now }))

	_, err := c.Approve(context.Background(), "missing", "")
	require.Error(t, err)

	now = now.Add(time.Hour)
	require.NotNil(t, c.View().Banner)
	c.DismissBanner()
	assert.Nil(t, c.View().Banner)
}

func TestRefresh_KeepsLastGoodListOnError(t *testing.T) {
	h := newHarness()
	c := h.controller()
	ctx := context.Background()
	h.submit(t, "First University", walletA)
	h.submit(t, "Second College", walletB)

	require.NoError(t, c.Refresh(ctx))
	require.Len(t, c.View().Requests, 2)

	h.store.failList.Store(true)
	err := c.Refresh(ctx)
	assert.True(t, IsKind(err, KindStoreUnavailable))

	v := c.View()
	assert.Len(t, v.Requests, 2)
	assert.NotEmpty(t, v.RefreshError)

	h.store.failList.Store(false)
	require.NoError(t, c.Refresh(ctx))
	assert.Empty(t, c.View().RefreshError)
}

func TestRefresh_NeverTouchesSelectionOrMarker(t *testing.T) {
	h := newHarness()
	h.chain.gate = make(chan struct{})
	c := h.controller()
	ctx := context.Background()
	r := h.submit(t, "State University", walletA)
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Select(r.ID))

	require.NoError(t, c.StartApprove(ctx, r.ID, ""))
	require.Eventually(t, func() bool {
		f, ok := c.Flow(r.ID)
		return ok && f.TxHash != ""
	}, time.Second, time.Millisecond)

	// The approved filter matches nothing yet; the marked row stays.
	c.SetFilter(requests.FilterApproved)
	require.NoError(t, c.Refresh(ctx))
	v := c.View()
	assert.Equal(t, r.ID, v.SelectedID)
	assert.Equal(t, r.ID, v.ProcessingID)
	require.Len(t, v.Requests, 1)
	assert.Equal(t, r.ID, v.Requests[0].ID)

	close(h.chain.gate)
	c.Wait()
	assert.Empty(t, c.View().ProcessingID)
}

func TestPolling_AppliesResults(t *testing.T) {
	h := newHarness()
	h.cfg.PollInterval = 10 * time.Millisecond
	c := h.controller()
	defer c.Close()

	c.StartPolling(context.Background())
	h.submit(t, "State University", walletA)

	require.Eventually(t, func() bool {
		return len(c.View().Requests) == 1
	}, time.Second, 5*time.Millisecond)

	h.store.failList.Store(true)
	require.Eventually(t, func() bool {
		return c.View().RefreshError != ""
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, c.View().Requests, 1)
}
