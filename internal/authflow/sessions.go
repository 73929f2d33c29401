package authflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/credgate/internal/syncutil"
)

// Sessions owns one Controller per reviewer. Controllers are created on
// first use and torn down on logout or after sitting idle.
type Sessions struct {
	store    Store
	chain    Chain
	cfg      Config
	locks    *syncutil.ContextShardedMutex
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
	closed   bool
}

// NewSessions creates an empty registry. All controllers share one
// per-request lock table.
func NewSessions(store Store, ch Chain, cfg Config, notifier Notifier, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		store:    store,
		chain:    ch,
		cfg:      cfg,
		locks:    syncutil.NewContextShardedMutex(),
		notifier: notifier,
		logger:   logger,
		sessions: make(map[string]*Controller),
	}
}

// Open returns the reviewer's controller, creating it and starting its
// queue poller if needed. A controller kept alive by Close is resumed.
func (s *Sessions) Open(reviewer string) *Controller {
	key := strings.ToLower(strings.TrimSpace(reviewer))

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sessions[key]; ok {
		if !s.closed {
			c.StartPolling(context.Background())
		}
		return c
	}

	c := NewController(key, s.store, s.chain, s.cfg,
		WithLocks(s.locks),
		WithNotifier(s.notifier),
		WithLogger(s.logger.With("reviewer", key)),
	)
	if !s.closed {
		c.StartPolling(context.Background())
	}
	s.sessions[key] = c
	activeSessions.Inc()
	s.logger.Info("review session opened", "reviewer", key)
	return c
}

// Lookup returns an existing controller without creating one.
func (s *Sessions) Lookup(reviewer string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[strings.ToLower(strings.TrimSpace(reviewer))]
	return c, ok
}

// Close tears down the reviewer's session. A controller holding the
// processing marker only stops polling and stays registered, so logging
// back in returns it with the marker intact; Reap removes it once the flow
// has ended.
func (s *Sessions) Close(reviewer string) bool {
	key := strings.ToLower(strings.TrimSpace(reviewer))
	s.mu.Lock()
	c, ok := s.sessions[key]
	busy := ok && c.Busy()
	if ok && !busy {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.Close()
	if busy {
		s.logger.Info("review session detached while a flow is running", "reviewer", key)
		return true
	}
	activeSessions.Dec()
	s.logger.Info("review session closed", "reviewer", key)
	return true
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reap closes sessions idle for longer than maxIdle that are not
// processing a request. Returns the number closed.
func (s *Sessions) Reap(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	var idle []string
	for key, c := range s.sessions {
		if !c.Busy() && c.IdleSince().Before(cutoff) {
			idle = append(idle, key)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, key := range idle {
		if s.Close(key) {
			n++
		}
	}
	return n
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Sessions) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Reap(maxIdle); n > 0 {
				s.logger.Info("reaped idle review sessions", "count", n)
			}
		}
	}
}

// Shutdown stops every poller and waits for in-flight flows or ctx.
func (s *Sessions) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	all := make([]*Controller, 0, len(s.sessions))
	for key, c := range s.sessions {
		all = append(all, c)
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	for _, c := range all {
		c.Close()
		activeSessions.Dec()
	}

	done := make(chan struct{})
	go func() {
		for _, c := range all {
			c.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
