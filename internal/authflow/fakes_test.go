package authflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/chain"
	"github.com/mbd888/credgate/internal/requests"
)

// fakeChain is an in-memory allow-list.
type fakeChain struct {
	mu             sync.Mutex
	authorized     map[string]bool
	authorizeCalls int
	authorizeErr   error
	awaitErr       error
	gate           chan struct{} // when set, confirmation waits for close
	unknown        bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{authorized: make(map[string]bool)}
}

func (f *fakeChain) Authorize(_ context.Context, address string) (Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizeCalls++
	if f.authorizeErr != nil {
		return nil, f.authorizeErr
	}
	addr := strings.ToLower(address)
	if f.authorized[addr] {
		return &fakePending{chain: f, address: addr, already: true}, nil
	}
	return &fakePending{chain: f, address: addr, hash: fmt.Sprintf("0x%064x", f.authorizeCalls)}, nil
}

func (f *fakeChain) IsAuthorized(_ context.Context, address string) (chain.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.unknown:
		return chain.Unknown, nil
	case f.authorized[strings.ToLower(address)]:
		return chain.Authorized, nil
	default:
		return chain.NotAuthorized, nil
	}
}

func (f *fakeChain) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorizeCalls
}

func (f *fakeChain) isAuthorized(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized[strings.ToLower(address)]
}

type fakePending struct {
	chain   *fakeChain
	address string
	hash    string
	already bool
}

func (p *fakePending) Hash() string { return p.hash }

func (p *fakePending) AwaitConfirmation(ctx context.Context) (*chain.Receipt, error) {
	if p.already {
		return &chain.Receipt{Address: p.address, AlreadyAuthorized: true}, nil
	}

	p.chain.mu.Lock()
	gate, err := p.chain.gate, p.chain.awaitErr
	p.chain.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for tx %s", chain.ErrTimeout, p.hash)
		}
	}
	if err != nil {
		return nil, err
	}

	p.chain.mu.Lock()
	p.chain.authorized[p.address] = true
	p.chain.mu.Unlock()
	return &chain.Receipt{Address: p.address, TxHash: p.hash, BlockNumber: 12}, nil
}

// flakyStore fails writes or lists on demand.
type flakyStore struct {
	requests.Store
	failUpdates atomic.Bool
	failList    atomic.Bool
	updates     atomic.Int32
}

func (s *flakyStore) UpdateStatus(ctx context.Context, id string, r requests.Review) error {
	s.updates.Add(1)
	if s.failUpdates.Load() {
		return fmt.Errorf("%w: dial tcp: connection refused", requests.ErrStoreUnavailable)
	}
	return s.Store.UpdateStatus(ctx, id, r)
}

func (s *flakyStore) List(ctx context.Context, status requests.Status) ([]*requests.AuthorizationRequest, error) {
	if s.failList.Load() {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", requests.ErrStoreUnavailable)
	}
	return s.Store.List(ctx, status)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []FlowEvent
}

func (n *recordingNotifier) FlowChanged(ev FlowEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) states(id string) []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []State
	for _, ev := range n.events {
		if ev.RequestID == id {
			out = append(out, ev.State)
		}
	}
	return out
}

type harness struct {
	store    *flakyStore
	adapter  *requests.Adapter
	chain    *fakeChain
	notifier *recordingNotifier
	cfg      Config
}

func newHarness() *harness {
	store := &flakyStore{Store: requests.NewMemoryStore()}
	return &harness{
		store:    store,
		adapter:  requests.NewAdapter(store, nil),
		chain:    newFakeChain(),
		notifier: &recordingNotifier{},
		cfg: Config{
			ConfirmationTimeout: time.Second,
			PollInterval:        time.Hour,
			StoreRetryAttempts:  2,
			StoreRetryDelay:     time.Millisecond,
		},
	}
}

func (h *harness) controller(opts ...Option) *Controller {
	opts = append([]Option{WithNotifier(h.notifier)}, opts...)
	return NewController("admin@credgate.io", h.adapter, h.chain, h.cfg, opts...)
}

func (h *harness) submit(t *testing.T, name, wallet string) *requests.AuthorizationRequest {
	t.Helper()
	r, err := h.adapter.CreateRequest(context.Background(), requests.CreateFields{
		InstitutionName: name,
		WalletAddress:   wallet,
		Email:           "registrar@" + strings.ToLower(strings.ReplaceAll(name, " ", "")) + ".edu",
	})
	require.NoError(t, err)
	return r
}

func (h *harness) stored(t *testing.T, id string) *requests.AuthorizationRequest {
	t.Helper()
	r, err := h.adapter.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

const (
	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
)
