package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mbd888/credgate/internal/chain"
	"github.com/mbd888/credgate/internal/requests"
)

// Kind is the fixed error taxonomy shown to reviewers. Raw errors from the
// store or the chain never leave this package except as FlowError.Detail.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindWalletUnavailable Kind = "wallet_unavailable"
	KindUserRejected      Kind = "user_rejected"
	KindChainError        Kind = "chain_error"
	KindTimeout           Kind = "timeout"
	KindBusy              Kind = "busy"
	KindPartialSuccess    Kind = "partial_success"
	KindCanceled          Kind = "canceled"
)

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the response was written.
const statusClientClosedRequest = 499

// ErrBusy is wrapped by every FlowError of KindBusy.
var ErrBusy = errors.New("authflow: another request is being processed")

// Phase names the step an error came from.
type Phase string

const (
	PhaseLoad    Phase = "load"
	PhaseChain   Phase = "chain"
	PhaseCheck   Phase = "check_authorization"
	PhasePersist Phase = "persist"
	PhaseReject  Phase = "reject"
	PhaseRefresh Phase = "refresh"
)

// FlowError is the only error type handed to the presentation layer.
type FlowError struct {
	Kind      Kind   `json:"kind"`
	Op        Phase  `json:"op"`
	RequestID string `json:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty"` // actionable, e.g. a decoded revert reason
	Detail    string `json:"detail,omitempty"` // raw underlying message, debug only
	Err       error  `json:"-"`
}

func (e *FlowError) Error() string {
	msg := fmt.Sprintf("authflow: %s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *FlowError) Unwrap() error { return e.Err }

// Message is the banner text for this error.
func (e *FlowError) Message() string {
	base := kindMessages[e.Kind]
	if base == "" {
		base = "The operation failed."
	}
	if e.Reason != "" {
		return base + " " + e.Reason
	}
	return base
}

// HTTPStatus maps the kind to a response code.
func (e *FlowError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindBusy, KindUserRejected:
		return http.StatusConflict
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindWalletUnavailable:
		return http.StatusFailedDependency
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

var kindMessages = map[Kind]string{
	KindValidation:        "The request is invalid.",
	KindStoreUnavailable:  "The request store is unavailable. Try again shortly.",
	KindConflict:          "The request has already been reviewed.",
	KindNotFound:          "The request no longer exists.",
	KindWalletUnavailable: "No signing wallet is available for on-chain authorization.",
	KindUserRejected:      "The transaction was declined by the signer.",
	KindChainError:        "The on-chain authorization failed.",
	KindTimeout:           "The transaction was not confirmed in time. It may still confirm; re-check the authorization before retrying.",
	KindBusy:              "Another request is being processed.",
	KindPartialSuccess:    "Authorized on-chain but the status record did not update. Retry status sync.",
	KindCanceled:          "The operation was canceled before it completed.",
}

// IsKind reports whether err is a FlowError of kind k.
func IsKind(err error, k Kind) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Kind == k
}

func busyError(requestID, holder string) *FlowError {
	return &FlowError{
		Kind:      KindBusy,
		Op:        PhaseLoad,
		RequestID: requestID,
		Detail:    "processing " + holder,
		Err:       ErrBusy,
	}
}

// Translate converts an error from phase into a FlowError. A store failure
// in PhasePersist always becomes KindPartialSuccess: the chain write has
// already happened by then.
func Translate(phase Phase, requestID string, err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}

	out := &FlowError{Op: phase, RequestID: requestID, Detail: err.Error(), Err: err}

	if phase == PhasePersist {
		out.Kind = KindPartialSuccess
		return out
	}

	var ce *chain.CallError
	switch {
	case errors.Is(err, context.Canceled):
		// Checked first: the store wraps driver errors, including a
		// cancelled query, in ErrStoreUnavailable.
		out.Kind = KindCanceled
	case errors.Is(err, requests.ErrValidation), errors.Is(err, chain.ErrInvalidAddress):
		out.Kind = KindValidation
	case errors.Is(err, requests.ErrNotFound):
		out.Kind = KindNotFound
	case errors.Is(err, requests.ErrConflict):
		out.Kind = KindConflict
	case errors.Is(err, requests.ErrStoreUnavailable):
		out.Kind = KindStoreUnavailable
	case errors.Is(err, chain.ErrWalletUnavailable):
		out.Kind = KindWalletUnavailable
	case errors.Is(err, chain.ErrUserRejected):
		out.Kind = KindUserRejected
	case errors.Is(err, chain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.As(err, &ce):
		out.Kind = KindChainError
		if ce.Reason != "" {
			out.Reason = "Reverted: " + ce.Reason
		}
	case phase == PhaseChain || phase == PhaseCheck:
		out.Kind = KindChainError
	default:
		out.Kind = KindStoreUnavailable
	}
	return out
}
