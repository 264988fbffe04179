package dispatch

import (
	"fmt"

	"github.com/choirhq/choir/model"
)

// Transport delivers notification envelopes to whoever runs the target
// task. Delivery is fire-and-forget from the dispatcher's side; receivers
// re-derive readiness and lease state from the store, so duplicate or
// out-of-order delivery is harmless.
type Transport interface {
	Deliver(envelope model.NotificationEnvelope) error
}

var _ Transport = new(ChannelTransport)

// ChannelTransport is the in-process transport backing the embedded
// worker pool. External deployments plug a message bus behind the same
// interface.
type ChannelTransport struct {
	ch chan model.NotificationEnvelope
}

func NewChannelTransport(capacity int) *ChannelTransport {
	return &ChannelTransport{
		ch: make(chan model.NotificationEnvelope, capacity),
	}
}

func (t *ChannelTransport) Deliver(envelope model.NotificationEnvelope) error {
	select {
	case t.ch <- envelope:
		return nil
	default:
		return fmt.Errorf("notification channel full, dropping envelope for %s/%s", envelope.WorkflowId, envelope.TargetState)
	}
}

func (t *ChannelTransport) Receive() <-chan model.NotificationEnvelope {
	return t.ch
}
