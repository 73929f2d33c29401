package authflow

import (
	"sort"
	"time"

	"github.com/mbd888/credgate/internal/chain"
	"github.com/mbd888/credgate/internal/requests"
)

// State is a request's position in the review flow.
type State string

const (
	StatePending            State = "pending"
	StateApprovingOnChain   State = "approving_on_chain"
	StatePersistingApproval State = "persisting_approval"
	StateApproved           State = "approved"
	StateRejecting          State = "rejecting"
	StateRejected           State = "rejected"
	StateFailed             State = "failed"
)

// IsTerminal reports whether no step follows s within one flow.
func (s State) IsTerminal() bool {
	return s == StateApproved || s == StateRejected || s == StateFailed
}

// Flow is the last known flow status for one request in a session.
type Flow struct {
	RequestID string     `json:"requestId"`
	State     State      `json:"state"`
	Kind      Kind       `json:"kind,omitempty"` // set when State is failed
	TxHash    string     `json:"txHash,omitempty"`
	Error     *FlowError `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Decision is the outcome of one approve run. It is never stored.
type Decision struct {
	RequestID     string         `json:"requestId"`
	WalletAddress string         `json:"walletAddress"`
	TxHash        string         `json:"txHash,omitempty"`
	Receipt       *chain.Receipt `json:"receipt,omitempty"`
	Persisted     bool           `json:"persisted"`
	State         State          `json:"state"`
	Err           *FlowError     `json:"error,omitempty"`
}

// BannerLevel distinguishes transient success banners from sticky errors.
type BannerLevel string

const (
	BannerSuccess BannerLevel = "success"
	BannerError   BannerLevel = "error"
)

// SuccessBannerTTL is how long a success banner stays visible.
const SuccessBannerTTL = 5 * time.Second

// Banner is the single message shown above the queue.
type Banner struct {
	Level     BannerLevel `json:"level"`
	Message   string      `json:"message"`
	RequestID string      `json:"requestId,omitempty"`
	Kind      Kind        `json:"kind,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"` // nil for error banners
}

func (b *Banner) expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// ViewState is a reviewer's snapshot of the queue.
type ViewState struct {
	Requests        []*requests.AuthorizationRequest `json:"requests"`
	Filter          requests.StatusFilter            `json:"filter"`
	SelectedID      string                           `json:"selectedId,omitempty"`
	ProcessingID    string                           `json:"processingId,omitempty"`
	Banner          *Banner                          `json:"banner,omitempty"`
	RefreshError    string                           `json:"refreshError,omitempty"`
	LastRefresh     time.Time                        `json:"lastRefresh"`
	PartiallySynced []string                         `json:"partiallySynced,omitempty"`
}

// reconcile merges a fetched list into the current one. The request under
// the processing marker keeps its local copy; every other row takes the
// server's version.
func reconcile(current, fetched []*requests.AuthorizationRequest, processingID string) []*requests.AuthorizationRequest {
	out := make([]*requests.AuthorizationRequest, len(fetched), len(fetched)+1)
	copy(out, fetched)
	if processingID == "" {
		return out
	}
	for _, r := range current {
		if r.ID == processingID {
			return upsert(out, r)
		}
	}
	return out
}

// upsert replaces the row with r's id, or inserts r keeping newest-first order.
func upsert(list []*requests.AuthorizationRequest, r *requests.AuthorizationRequest) []*requests.AuthorizationRequest {
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return list
		}
	}
	list = append(list, r)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

func cloneList(in []*requests.AuthorizationRequest) []*requests.AuthorizationRequest {
	out := make([]*requests.AuthorizationRequest, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
