package requests

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory request store for demo/development mode.
type MemoryStore struct {
	requests map[string]*AuthorizationRequest
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*AuthorizationRequest),
	}
}

func (m *MemoryStore) Create(ctx context.Context, req *AuthorizationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; ok {
		return ErrValidation
	}
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*AuthorizationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, status Status) ([]*AuthorizationRequest, error) {
	return m.collect(func(r *AuthorizationRequest) bool {
		return status == "" || r.Status == status
	}), nil
}

func (m *MemoryStore) ListByEmail(ctx context.Context, email string) ([]*AuthorizationRequest, error) {
	email = strings.ToLower(email)
	return m.collect(func(r *AuthorizationRequest) bool {
		return r.Email == email
	}), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, review Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusPending {
		return ErrConflict
	}

	at := review.ReviewedAt
	req.Status = review.Status
	req.AdminNotes = review.Notes
	req.ReviewedBy = review.ReviewedBy
	req.ReviewedAt = &at
	req.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (*Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := &Counts{}
	wallets := make(map[string]struct{})
	for _, r := range m.requests {
		counts.Total++
		switch r.Status {
		case StatusPending:
			counts.Pending++
		case StatusApproved:
			counts.Approved++
			wallets[strings.ToLower(r.WalletAddress)] = struct{}{}
		case StatusRejected:
			counts.Rejected++
		}
	}
	counts.ActiveInstitutions = len(wallets)
	return counts, nil
}

// collect returns copies of matching requests, newest first.
func (m *MemoryStore) collect(match func(*AuthorizationRequest) bool) []*AuthorizationRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*AuthorizationRequest, 0)
	for _, r := range m.requests {
		if match(r) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

var _ Store = (*MemoryStore)(nil)
