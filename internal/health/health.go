// Package health runs dependency checks for the readiness endpoint.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Check probes one dependency. A non-nil error marks it unhealthy; detail is
// reported either way.
type Check func(ctx context.Context) (detail string, err error)

type entry struct {
	name  string
	check Check
}

// Registry holds named checks. Each check gets its own timeout.
type Registry struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries []entry
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Registry{timeout: timeout}
}

func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Go(func() {
			statuses[i] = r.run(ctx, e)
		})
	}
	wg.Wait()

	for _, s := range statuses {
		if !s.Healthy {
			return false, statuses
		}
	}
	return true, statuses
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	detail, err := e.check(ctx)
	st := Status{Name: e.name, Healthy: err == nil, Detail: detail, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}

// Ping checks that db accepts connections.
func Ping(db *sql.DB) Check {
	return func(ctx context.Context) (string, error) {
		return "", db.PingContext(ctx)
	}
}

// OwnerReader reads the allow-list contract owner.
type OwnerReader interface {
	Owner(ctx context.Context) (string, error)
}

// ContractOwner checks that the node answers contract calls.
func ContractOwner(r OwnerReader) Check {
	return func(ctx context.Context) (string, error) {
		owner, err := r.Owner(ctx)
		if err != nil {
			return "", err
		}
		return "owner " + owner, nil
	}
}
