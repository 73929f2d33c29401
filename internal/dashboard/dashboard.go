// Package dashboard serves aggregated review statistics.
//
// Stats are recomputed on a fixed interval in the background so the
// endpoint never queries the store or the chain on the request path.
package dashboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/credgate/internal/poller"
	"github.com/mbd888/credgate/internal/requests"
)

// DefaultInterval is how often stats are recomputed.
const DefaultInterval = 30 * time.Second

// CountSource aggregates requests by status.
type CountSource interface {
	CountByStatus(ctx context.Context) (*requests.Counts, error)
}

// ChainProbe reads the contract owner as a liveness check.
type ChainProbe interface {
	Owner(ctx context.Context) (string, error)
}

// ChainHealth is the result of the last chain probe.
type ChainHealth struct {
	Reachable bool      `json:"reachable"`
	Owner     string    `json:"owner,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Stats is one dashboard snapshot.
type Stats struct {
	Requests    requests.Counts `json:"requests"`
	Chain       ChainHealth     `json:"chain"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// Service keeps the latest Stats.
type Service struct {
	counts CountSource
	probe  ChainProbe
	poller *poller.Poller[Stats]
}

// NewService creates a stats service. probe may be nil when no chain is
// configured.
func NewService(counts CountSource, probe ChainProbe, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{counts: counts, probe: probe}
	s.poller = poller.New("dashboard_stats", interval, s.compute,
		poller.WithLogger[Stats](logger.With("component", "dashboard")),
	)
	return s
}

// Start begins background refreshes.
func (s *Service) Start(ctx context.Context) { s.poller.Start(ctx) }

// Stop ends background refreshes.
func (s *Service) Stop() { s.poller.Stop() }

// Refresh asks for an immediate recompute.
func (s *Service) Refresh() { s.poller.Trigger() }

// Stats returns the latest snapshot, and false before the first success.
func (s *Service) Stats() (Stats, bool) { return s.poller.Latest() }

// LastError returns the most recent refresh error, or nil after a success.
func (s *Service) LastError() error { return s.poller.LastError() }

// compute fails only when the counts are unavailable. A chain outage is
// reported inside the snapshot.
func (s *Service) compute(ctx context.Context) (Stats, error) {
	counts, err := s.counts.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := time.Now()
	st := Stats{Requests: *counts, GeneratedAt: now}
	st.Chain.CheckedAt = now
	if s.probe == nil {
		st.Chain.Error = "no chain configured"
		return st, nil
	}

	owner, err := s.probe.Owner(ctx)
	if err != nil {
		st.Chain.Error = err.Error()
		return st, nil
	}
	st.Chain.Reachable = true
	st.Chain.Owner = owner
	return st, nil
}
