package server

import (
	"github.com/mbd888/credgate/internal/authflow"
	"github.com/mbd888/credgate/internal/requests"
)

// listener receives both submission and flow events. The realtime hub and
// the webhook dispatcher are listeners.
type listener interface {
	requests.Publisher
	authflow.Notifier
}

// fanout forwards every event to each listener in order. Listeners must
// not block.
type fanout []listener

func (f fanout) RequestSubmitted(req *requests.AuthorizationRequest) {
	for _, l := range f {
		l.RequestSubmitted(req)
	}
}

func (f fanout) FlowChanged(ev authflow.FlowEvent) {
	for _, l := range f {
		l.FlowChanged(ev)
	}
}
