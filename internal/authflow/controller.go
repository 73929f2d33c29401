// Package authflow runs the review flow for institution authorization
// requests. Approval writes the wallet to the on-chain allow-list first and
// only then marks the request approved in the store; rejection never
// touches the chain.
//
// Each reviewer session owns one Controller. A Controller processes at most
// one request at a time (the processing marker); a second approve or reject
// while the marker is held fails with KindBusy. Across sessions, flows on the
// same request are serialized by a shared per-request lock, so the loser
// re-reads the row and sees KindConflict.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/credgate/internal/chain"
	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/poller"
	"github.com/mbd888/credgate/internal/requests"
	"github.com/mbd888/credgate/internal/retry"
	"github.com/mbd888/credgate/internal/syncutil"
	"github.com/mbd888/credgate/internal/traces"
	"github.com/mbd888/credgate/internal/validation"
)

// Store is the part of the request adapter the controller uses.
type Store interface {
	ListRequests(ctx context.Context, filter requests.StatusFilter) ([]*requests.AuthorizationRequest, error)
	Get(ctx context.Context, id string) (*requests.AuthorizationRequest, error)
	UpdateStatus(ctx context.Context, id string, status requests.Status, notes, reviewer string) error
}

// Pending is a submitted allow-list write.
type Pending interface {
	Hash() string
	AwaitConfirmation(ctx context.Context) (*chain.Receipt, error)
}

// Chain is the allow-list client.
type Chain interface {
	Authorize(ctx context.Context, address string) (Pending, error)
	IsAuthorized(ctx context.Context, address string) (chain.Authorization, error)
}

// ClientChain adapts *chain.Client to Chain.
func ClientChain(c *chain.Client) Chain {
	return clientChain{c}
}

type clientChain struct{ c *chain.Client }

func (a clientChain) Authorize(ctx context.Context, address string) (Pending, error) {
	h, err := a.c.Authorize(ctx, address)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a clientChain) IsAuthorized(ctx context.Context, address string) (chain.Authorization, error) {
	return a.c.IsAuthorized(ctx, address)
}

// FlowEvent is published on every flow transition.
type FlowEvent struct {
	Reviewer  string    `json:"reviewer"`
	RequestID string    `json:"requestId"`
	State     State     `json:"state"`
	Kind      Kind      `json:"kind,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives flow events. Implementations must not block.
type Notifier interface {
	FlowChanged(FlowEvent)
}

// Config holds the flow timings.
type Config struct {
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	StoreRetryAttempts  int
	StoreRetryDelay     time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout: 3 * time.Minute,
		PollInterval:        5 * time.Second,
		StoreRetryAttempts:  3,
		StoreRetryDelay:     250 * time.Millisecond,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLocks shares a per-request lock table between controllers.
func WithLocks(m *syncutil.ContextShardedMutex) Option {
	return func(c *Controller) { c.locks = m }
}

// WithNotifier publishes flow transitions.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is one reviewer's view of the queue and the flows they run.
type Controller struct {
	reviewer string
	store    Store
	chain    Chain
	locks    *syncutil.ContextShardedMutex
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	inflight   sync.WaitGroup
	refreshSeq atomic.Uint64

	mu           sync.Mutex
	poller       *poller.Poller[snapshot]
	list         []*requests.AuthorizationRequest
	filter       requests.StatusFilter
	selectedID   string
	processingID string
	banner       *Banner
	refreshErr   string
	lastRefresh  time.Time
	appliedSeq   uint64
	flows        map[string]*Flow
	partial      map[string]struct{}
	lastActive   time.Time
}

// NewController creates a controller acting as reviewer.
func NewController(reviewer string, store Store, ch Chain, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StoreRetryAttempts <= 0 {
		cfg.StoreRetryAttempts = def.StoreRetryAttempts
	}
	if cfg.StoreRetryDelay < 0 {
		cfg.StoreRetryDelay = def.StoreRetryDelay
	}

	c := &Controller{
		reviewer: strings.ToLower(strings.TrimSpace(reviewer)),
		store:    store,
		chain:    ch,
		cfg:      cfg,
		filter:   requests.FilterPending,
		flows:    make(map[string]*Flow),
		partial:  make(map[string]struct{}),
		list:     []*requests.AuthorizationRequest{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		c.locks = syncutil.NewContextShardedMutex()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.lastActive = c.now()
	return c
}

// Reviewer returns the session owner's email.
func (c *Controller) Reviewer() string { return c.reviewer }

// -----------------------------------------------------------------------------
// Actions
// -----------------------------------------------------------------------------

// Approve runs the approve flow and blocks until it finishes.
func (c *Controller) Approve(ctx context.Context, id, notes string) (*Decision, error) {
	if fe := c.begin(id); fe != nil {
		return nil, fe
	}
	dec := c.approve(ctx, id, notes)
	if dec.Err != nil {
		return dec, dec.Err
	}
	return dec, nil
}

// StartApprove takes the processing marker and runs the approve flow in the
// background. The flow outlives ctx's cancellation.
func (c *Controller) StartApprove(ctx context.Context, id, notes string) error {
	if fe := c.begin(id); fe != nil {
		return fe
	}
	c.goFlow(func() { c.approve(context.WithoutCancel(ctx), id, notes) })
	return nil
}

// Reject marks the request rejected. No chain call is made.
func (c *Controller) Reject(ctx context.Context, id, notes string) error {
	if fe := c.begin(id); fe != nil {
		return fe
	}
	if fe := c.reject(ctx, id, notes); fe != nil {
		return fe
	}
	return nil
}

// StartReject is the background form of Reject.
func (c *Controller) StartReject(ctx context.Context, id, notes string) error {
	if fe := c.begin(id); fe != nil {
		return fe
	}
	c.goFlow(func() { c.reject(context.WithoutCancel(ctx), id, notes) })
	return nil
}

// RetrySync finishes a partially synced approval. When the wallet is
// already on the allow-list the request is marked approved without a chain
// write.
func (c *Controller) RetrySync(ctx context.Context, id, notes string) (*Decision, error) {
	if fe := c.begin(id); fe != nil {
		return nil, fe
	}
	dec := c.retrySync(ctx, id, notes)
	if dec.Err != nil {
		return dec, dec.Err
	}
	return dec, nil
}

// StartRetrySync is the background form of RetrySync.
func (c *Controller) StartRetrySync(ctx context.Context, id, notes string) error {
	if fe := c.begin(id); fe != nil {
		return fe
	}
	c.goFlow(func() { c.retrySync(context.WithoutCancel(ctx), id, notes) })
	return nil
}

// AuthorizeAddress writes address to the allow-list without a request row.
func (c *Controller) AuthorizeAddress(ctx context.Context, address string) (*Decision, error) {
	address = validation.SanitizeAddress(address)
	if fe := c.begin(address); fe != nil {
		return nil, fe
	}
	dec := c.authorizeAddress(ctx, address)
	if dec.Err != nil {
		return dec, dec.Err
	}
	return dec, nil
}

// Select marks id as the request being viewed. Selecting another request
// while one is processing fails with KindBusy. An empty id clears the
// selection.
func (c *Controller) Select(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = c.now()
	if c.processingID != "" && id != c.processingID {
		busyRejections.Inc()
		return busyError(id, c.processingID)
	}
	c.selectedID = id
	return nil
}

// SetFilter changes the queue filter and asks for a refresh.
func (c *Controller) SetFilter(f requests.StatusFilter) {
	c.mu.Lock()
	changed := c.filter != f
	c.filter = f
	c.lastActive = c.now()
	c.mu.Unlock()
	if changed {
		c.triggerRefresh()
	}
}

// DismissBanner clears the current banner.
func (c *Controller) DismissBanner() {
	c.mu.Lock()
	c.banner = nil
	c.lastActive = c.now()
	c.mu.Unlock()
}

// View returns a copy of the session's view state.
func (c *Controller) View() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.banner != nil && c.banner.expired(now) {
		c.banner = nil
	}

	v := ViewState{
		Requests:     cloneList(c.list),
		Filter:       c.filter,
		SelectedID:   c.selectedID,
		ProcessingID: c.processingID,
		RefreshError: c.refreshErr,
		LastRefresh:  c.lastRefresh,
	}
	if c.banner != nil {
		b := *c.banner
		v.Banner = &b
	}
	for id := range c.partial {
		v.PartiallySynced = append(v.PartiallySynced, id)
	}
	sort.Strings(v.PartiallySynced)
	return v
}

// Flow returns the last flow status recorded for id.
func (c *Controller) Flow(id string) (Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[id]
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// Wait blocks until background flows started by this controller finish.
func (c *Controller) Wait() { c.inflight.Wait() }

// IdleSince reports when the reviewer last acted.
func (c *Controller) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Busy reports whether a flow holds the processing marker.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processingID != ""
}

// -----------------------------------------------------------------------------
// Flows
// -----------------------------------------------------------------------------

func (c *Controller) goFlow(fn func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		fn()
	}()
}

// begin takes the processing marker for id.
func (c *Controller) begin(id string) *FlowError {
	if strings.TrimSpace(id) == "" {
		return &FlowError{Kind: KindValidation, Op: PhaseLoad, Reason: "A request id is required."}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = c.now()
	if c.processingID != "" {
		busyRejections.Inc()
		return busyError(id, c.processingID)
	}
	c.processingID = id
	return nil
}

// end releases the processing marker.
func (c *Controller) end(id string) {
	c.mu.Lock()
	if c.processingID == id {
		c.processingID = ""
	}
	c.mu.Unlock()
}

func (c *Controller) approve(ctx context.Context, id, notes string) (dec *Decision) {
	done := observeFlow("approve")
	ctx, span := traces.StartSpan(ctx, "authflow.Approve", traces.RequestID(id))
	dec = &Decision{RequestID: id, State: StatePending}
	defer func() {
		c.end(id)
		done(dec.Err)
		span.SetAttributes(traces.FlowState(string(dec.State)))
		traces.End(span, asError(dec.Err))
	}()

	notes = requests.SanitizeNotes(notes)
	if len(notes) > requests.MaxNotes {
		dec.fail(c.fail(id, "", Translate(PhaseLoad, id, fmt.Errorf("%w: notes exceed %d characters", requests.ErrValidation, requests.MaxNotes))))
		return dec
	}

	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		dec.fail(c.fail(id, "", Translate(PhaseLoad, id, err)))
		return dec
	}
	defer unlock()

	req, fe := c.loadPending(ctx, id)
	if fe != nil {
		dec.fail(c.fail(id, "", fe))
		return dec
	}
	dec.WalletAddress = req.WalletAddress

	c.transition(id, StateApprovingOnChain, req.WalletAddress, "", nil)
	receipt, fe := c.authorizeOnChain(ctx, id, req.WalletAddress, dec)
	if fe != nil {
		dec.fail(c.fail(id, req.WalletAddress, fe))
		return dec
	}
	dec.Receipt = receipt

	c.persistApproval(ctx, req, notes, dec)
	return dec
}

func (c *Controller) retrySync(ctx context.Context, id, notes string) (dec *Decision) {
	done := observeFlow("retry_sync")
	ctx, span := traces.StartSpan(ctx, "authflow.RetrySync", traces.RequestID(id))
	dec = &Decision{RequestID: id, State: StatePending}
	defer func() {
		c.end(id)
		done(dec.Err)
		traces.End(span, asError(dec.Err))
	}()

	notes = requests.SanitizeNotes(notes)
	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		dec.fail(c.fail(id, "", Translate(PhaseLoad, id, err)))
		return dec
	}
	defer unlock()

	req, fe := c.loadPending(ctx, id)
	if fe != nil {
		if fe.Kind == KindConflict {
			// Someone already finished the write; nothing is left to sync.
			c.clearPartial(id)
		}
		dec.fail(c.fail(id, "", fe))
		return dec
	}
	dec.WalletAddress = req.WalletAddress

	state, err := c.chain.IsAuthorized(ctx, req.WalletAddress)
	if err != nil {
		dec.fail(c.fail(id, req.WalletAddress, Translate(PhaseCheck, id, err)))
		return dec
	}

	switch state {
	case chain.Authorized:
		dec.Receipt = &chain.Receipt{Address: req.WalletAddress, AlreadyAuthorized: true}
		c.persistApproval(ctx, req, notes, dec)
	case chain.NotAuthorized:
		dec.fail(c.fail(id, req.WalletAddress, &FlowError{
			Kind:      KindChainError,
			Op:        PhaseCheck,
			RequestID: id,
			Reason:    "The wallet is not on the allow-list; approve the request again.",
		}))
	default:
		dec.fail(c.fail(id, req.WalletAddress, &FlowError{
			Kind:      KindChainError,
			Op:        PhaseCheck,
			RequestID: id,
			Reason:    "The allow-list could not be read; re-check authorization.",
		}))
	}
	return dec
}

func (c *Controller) reject(ctx context.Context, id, notes string) (fe *FlowError) {
	done := observeFlow("reject")
	ctx, span := traces.StartSpan(ctx, "authflow.Reject", traces.RequestID(id))
	defer func() {
		c.end(id)
		done(fe)
		traces.End(span, asError(fe))
	}()

	notes = requests.SanitizeNotes(notes)
	if len(notes) > requests.MaxNotes {
		return c.failReject(id, "", Translate(PhaseLoad, id, fmt.Errorf("%w: notes exceed %d characters", requests.ErrValidation, requests.MaxNotes)))
	}

	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return c.failReject(id, "", Translate(PhaseLoad, id, err))
	}
	defer unlock()

	req, fe := c.loadPending(ctx, id)
	if fe != nil {
		return c.failReject(id, "", fe)
	}

	c.transition(id, StateRejecting, req.WalletAddress, "", nil)
	if err := c.writeStatus(ctx, id, requests.StatusRejected, notes); err != nil {
		return c.failReject(id, req.WalletAddress, Translate(PhaseReject, id, err))
	}

	c.markReviewed(id, requests.StatusRejected, notes)
	c.transition(id, StateRejected, req.WalletAddress, "", nil)
	c.succeed(id, fmt.Sprintf("Rejected the request from %s.", req.InstitutionName))
	c.triggerRefresh()
	return nil
}

func (c *Controller) authorizeAddress(ctx context.Context, address string) (dec *Decision) {
	done := observeFlow("authorize_address")
	ctx, span := traces.StartSpan(ctx, "authflow.AuthorizeAddress", traces.Wallet(address))
	dec = &Decision{WalletAddress: address, State: StatePending}
	defer func() {
		c.end(address)
		done(dec.Err)
		traces.End(span, asError(dec.Err))
	}()

	if !validation.IsValidEthAddress(address) {
		dec.fail(c.fail(address, address, &FlowError{
			Kind:   KindValidation,
			Op:     PhaseLoad,
			Reason: "Wallet address must be 0x followed by 40 hex characters.",
		}))
		return dec
	}

	c.transition(address, StateApprovingOnChain, address, "", nil)
	receipt, fe := c.authorizeOnChain(ctx, address, address, dec)
	if fe != nil {
		dec.fail(c.fail(address, address, fe))
		return dec
	}
	dec.Receipt = receipt
	dec.State = StateApproved
	c.transition(address, StateApproved, address, dec.TxHash, nil)

	msg := "Authorized " + address + " on-chain."
	if receipt.AlreadyAuthorized {
		msg = address + " was already authorized."
	}
	c.succeed(address, msg)
	return dec
}

// loadPending re-reads the request and checks it may still be reviewed.
func (c *Controller) loadPending(ctx context.Context, id string) (*requests.AuthorizationRequest, *FlowError) {
	req, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, Translate(PhaseLoad, id, err)
	}
	if req.Status != requests.StatusPending {
		return nil, &FlowError{
			Kind:      KindConflict,
			Op:        PhaseLoad,
			RequestID: id,
			Reason:    "It is already " + string(req.Status) + ".",
		}
	}
	if !validation.IsValidEthAddress(req.WalletAddress) {
		return nil, &FlowError{
			Kind:      KindValidation,
			Op:        PhaseLoad,
			RequestID: id,
			Reason:    "The wallet address on the request is malformed.",
		}
	}

	c.mu.Lock()
	c.list = upsert(c.list, req.Clone())
	c.mu.Unlock()
	return req, nil
}

// authorizeOnChain submits and confirms under the confirmation timeout.
func (c *Controller) authorizeOnChain(ctx context.Context, id, address string, dec *Decision) (*chain.Receipt, *FlowError) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	pending, err := c.chain.Authorize(ctx, address)
	if err != nil {
		return nil, Translate(PhaseChain, id, err)
	}
	if hash := pending.Hash(); hash != "" {
		dec.TxHash = hash
		c.transition(id, StateApprovingOnChain, address, hash, nil)
	}

	receipt, err := pending.AwaitConfirmation(ctx)
	if err != nil {
		fe := Translate(PhaseChain, id, err)
		if fe.Kind == KindTimeout && dec.TxHash != "" {
			fe.Reason = "Transaction " + dec.TxHash + " is still pending."
		}
		return nil, fe
	}
	return receipt, nil
}

// persistApproval records the approval after the allow-list write.
func (c *Controller) persistApproval(ctx context.Context, req *requests.AuthorizationRequest, notes string, dec *Decision) {
	id := req.ID
	c.transition(id, StatePersistingApproval, req.WalletAddress, dec.TxHash, nil)

	if err := c.writeStatus(ctx, id, requests.StatusApproved, notes); err != nil {
		fe := Translate(PhasePersist, id, err)
		c.mu.Lock()
		c.partial[id] = struct{}{}
		c.mu.Unlock()
		dec.fail(c.fail(id, req.WalletAddress, fe))
		return
	}

	c.clearPartial(id)
	c.markReviewed(id, requests.StatusApproved, notes)
	dec.Persisted = true
	dec.State = StateApproved
	c.transition(id, StateApproved, req.WalletAddress, dec.TxHash, nil)
	c.succeed(id, fmt.Sprintf("Approved %s; wallet %s is authorized on-chain.", req.InstitutionName, req.WalletAddress))
	c.triggerRefresh()
}

// writeStatus retries only while the store is unreachable.
func (c *Controller) writeStatus(ctx context.Context, id string, status requests.Status, notes string) error {
	return retry.DoIf(ctx, c.cfg.StoreRetryAttempts, c.cfg.StoreRetryDelay,
		func(err error) bool { return errors.Is(err, requests.ErrStoreUnavailable) },
		func() error { return c.store.UpdateStatus(ctx, id, status, notes, c.reviewer) },
	)
}

// markReviewed updates the local copy and clears the selection. notes must
// already be in stored form.
func (c *Controller) markReviewed(id string, status requests.Status, notes string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for i, r := range c.list {
		if r.ID != id {
			continue
		}
		cp := r.Clone()
		cp.Status = status
		cp.AdminNotes = notes
		cp.ReviewedBy = c.reviewer
		cp.ReviewedAt = &now
		cp.UpdatedAt = now
		c.list[i] = cp
	}
	if c.selectedID == id {
		c.selectedID = ""
	}
}

func (c *Controller) clearPartial(id string) {
	c.mu.Lock()
	delete(c.partial, id)
	c.mu.Unlock()
}

// transition records a flow state and logs it.
func (c *Controller) transition(id string, state State, wallet, txHash string, fe *FlowError) {
	now := c.now()
	c.mu.Lock()
	f, ok := c.flows[id]
	if !ok {
		f = &Flow{RequestID: id}
		c.flows[id] = f
	}
	f.State = state
	f.UpdatedAt = now
	f.Error = fe
	f.Kind = ""
	if fe != nil {
		f.Kind = fe.Kind
	}
	if txHash != "" {
		f.TxHash = txHash
	}
	if state == StateApprovingOnChain && txHash == "" {
		f.TxHash = ""
	}
	ev := FlowEvent{Reviewer: c.reviewer, RequestID: id, State: state, Kind: f.Kind, TxHash: f.TxHash, At: now}
	c.mu.Unlock()

	transitions.WithLabelValues(string(state)).Inc()
	log := logging.Flow(c.logger, id, string(state), wallet)
	if fe != nil {
		log.Warn("flow transition", "kind", fe.Kind, "error", fe.Detail)
	} else {
		log.Info("flow transition", "tx", txHash)
	}
	if c.notifier != nil {
		c.notifier.FlowChanged(ev)
	}
}

// fail moves the flow to failed and raises a sticky error banner.
func (c *Controller) fail(id, wallet string, fe *FlowError) *FlowError {
	if fe.RequestID == "" {
		fe.RequestID = id
	}
	c.transition(id, StateFailed, wallet, "", fe)
	c.errorBanner(fe)
	return fe
}

// failReject returns the request to pending with an error banner.
func (c *Controller) failReject(id, wallet string, fe *FlowError) *FlowError {
	if fe.RequestID == "" {
		fe.RequestID = id
	}
	c.transition(id, StatePending, wallet, "", fe)
	c.errorBanner(fe)
	return fe
}

func (c *Controller) errorBanner(fe *FlowError) {
	c.mu.Lock()
	c.banner = &Banner{
		Level:     BannerError,
		Message:   fe.Message(),
		RequestID: fe.RequestID,
		Kind:      fe.Kind,
		Detail:    fe.Detail,
		CreatedAt: c.now(),
	}
	c.mu.Unlock()
}

func (c *Controller) succeed(id, msg string) {
	c.mu.Lock()
	now := c.now()
	exp := now.Add(SuccessBannerTTL)
	c.banner = &Banner{
		Level:     BannerSuccess,
		Message:   msg,
		RequestID: id,
		CreatedAt: now,
		ExpiresAt: &exp,
	}
	c.mu.Unlock()
}

func (d *Decision) fail(fe *FlowError) {
	d.Err = fe
	d.State = StateFailed
}

func asError(fe *FlowError) error {
	if fe == nil {
		return nil
	}
	return fe
}

// -----------------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------------

type snapshot struct {
	seq    uint64
	filter requests.StatusFilter
	list   []*requests.AuthorizationRequest
}

// StartPolling refreshes the queue every PollInterval until Close.
func (c *Controller) StartPolling(ctx context.Context) {
	c.mu.Lock()
	if c.poller != nil {
		c.mu.Unlock()
		return
	}
	p := poller.New("admin_queue", c.cfg.PollInterval, c.fetch,
		poller.WithOnResult(c.apply),
		poller.WithOnError[snapshot](c.applyError),
		poller.WithLogger[snapshot](c.logger.With("reviewer", c.reviewer)),
	)
	c.poller = p
	c.mu.Unlock()
	p.Start(ctx)
}

// Refresh fetches the queue now.
func (c *Controller) Refresh(ctx context.Context) error {
	s, err := c.fetch(ctx)
	if err != nil {
		c.applyError(err)
		return Translate(PhaseRefresh, "", err)
	}
	c.apply(s)
	return nil
}

// Close stops polling. In-flight flows keep running; use Wait to drain them.
func (c *Controller) Close() {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (c *Controller) triggerRefresh() {
	c.mu.Lock()
	p := c.poller
	c.mu.Unlock()
	if p != nil {
		p.Trigger()
	}
}

func (c *Controller) fetch(ctx context.Context) (snapshot, error) {
	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()

	seq := c.refreshSeq.Add(1)
	list, err := c.store.ListRequests(ctx, filter)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{seq: seq, filter: filter, list: list}, nil
}

// apply installs a fetched list. Results older than the last applied one,
// or fetched under a previous filter, are dropped.
func (c *Controller) apply(s snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.seq <= c.appliedSeq || s.filter != c.filter {
		return
	}
	c.appliedSeq = s.seq
	c.list = reconcile(c.list, s.list, c.processingID)
	c.refreshErr = ""
	c.lastRefresh = c.now()
}

// applyError keeps the current list and records a transient error.
func (c *Controller) applyError(err error) {
	fe := Translate(PhaseRefresh, "", err)
	c.mu.Lock()
	c.refreshErr = fe.Message()
	c.mu.Unlock()
}
