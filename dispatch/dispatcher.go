package dispatch

import (
	"time"

	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"go.uber.org/zap"
)

// Dispatcher computes which states a finished task should wake and fans
// the envelopes out over the transport. It never writes control-plane
// documents; notification is advisory and the receiving worker owns all
// correctness checks.
type Dispatcher struct {
	cp        *controlplane.Service
	transport Transport
}

func NewDispatcher(cp *controlplane.Service, transport Transport) *Dispatcher {
	return &Dispatcher{
		cp:        cp,
		transport: transport,
	}
}

// NotifyDownstream targets dependencies[sourceState].downstream, or every
// zero-upstream state when sourceState is empty (workflow kickoff). With
// includeOnlyReady set, targets whose upstream set is not fully done are
// skipped; a later sibling completion re-notifies them.
func (d *Dispatcher) NotifyDownstream(workflowId string, sourceState string, reason model.NotifyReason, includeOnlyReady bool) ([]model.NotificationEnvelope, error) {
	snapshot, err := d.cp.ReadControlPlane(workflowId, nil, true, true)
	if err != nil {
		return nil, err
	}
	meta := snapshot.Meta

	var targets []string
	if sourceState == "" {
		for _, name := range meta.States {
			if len(meta.Dependencies[name].Upstream) == 0 {
				targets = append(targets, name)
			}
		}
	} else {
		targets = meta.Dependencies[sourceState].Downstream
	}

	var delivered []model.NotificationEnvelope
	for _, target := range targets {
		if includeOnlyReady && !snapshot.Readiness[target] {
			logger.Debug("skipping not-ready target", zap.String("workflowId", workflowId), zap.String("state", target))
			continue
		}
		envelope := d.buildEnvelope(workflowId, target, sourceState, reason)
		d.deliver(envelope)
		delivered = append(delivered, envelope)
	}
	return delivered, nil
}

// NotifyIfReady is the single-target variant for manual nudges and
// retry-after-failure flows. It skips silently when the current status is
// in the caller's skip set.
//
// A failed state is terminal, so workers ignore a retry envelope until an
// operator rewinds the state to pending (a forced status update, exposed
// as WorkflowExecutionService.Reset). The retry reason still tags the
// envelope so transports can distinguish a rerun from a first dispatch.
func (d *Dispatcher) NotifyIfReady(workflowId string, state string, requireReady bool, skipIfStatusIn []model.StateStatus) (*model.NotificationEnvelope, error) {
	snapshot, err := d.cp.ReadControlPlane(workflowId, []string{state}, true, true)
	if err != nil {
		return nil, err
	}
	doc, ok := snapshot.States[state]
	if !ok {
		return nil, persistence.NotFoundError{Key: persistence.StateKey(workflowId, state)}
	}
	for _, skip := range skipIfStatusIn {
		if doc.Status == skip {
			logger.Debug("skipping notification, status in skip set", zap.String("workflowId", workflowId), zap.String("state", state), zap.String("status", string(doc.Status)))
			return nil, nil
		}
	}
	if requireReady && !snapshot.Readiness[state] {
		return nil, nil
	}
	reason := model.REASON_MANUAL
	if doc.Status == model.STATUS_FAILED {
		reason = model.REASON_RETRY
	}
	envelope := d.buildEnvelope(workflowId, state, "", reason)
	d.deliver(envelope)
	return &envelope, nil
}

func (d *Dispatcher) buildEnvelope(workflowId string, target string, source string, reason model.NotifyReason) model.NotificationEnvelope {
	if source == "" && reason == model.REASON_UPSTREAM_DONE {
		reason = model.REASON_INITIAL
	}
	return model.NotificationEnvelope{
		WorkflowId:  workflowId,
		TargetState: target,
		SourceState: source,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
		MetaKey:     persistence.MetaKey(workflowId),
		StateKey:    persistence.StateKey(workflowId, target),
	}
}

func (d *Dispatcher) deliver(envelope model.NotificationEnvelope) {
	if err := d.transport.Deliver(envelope); err != nil {
		// fire and forget: a dropped envelope is recovered by the next
		// manual nudge or upstream completion
		logger.Error("notification delivery failed", zap.String("workflowId", envelope.WorkflowId), zap.String("state", envelope.TargetState), zap.Error(err))
	}
}
