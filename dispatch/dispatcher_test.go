package dispatch

import (
	"testing"

	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/persistence/inmem"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	envelopes []model.NotificationEnvelope
}

func (r *recordingTransport) Deliver(envelope model.NotificationEnvelope) error {
	r.envelopes = append(r.envelopes, envelope)
	return nil
}

func seedDiamond(t *testing.T, workflowId string) (*controlplane.Service, *Dispatcher, *recordingTransport) {
	t.Helper()
	cp := controlplane.NewService(inmem.NewInMemDocumentStore(), config.JOIN_POLICY_ALL)
	graph := &model.WorkflowGraph{
		Id:         workflowId,
		Name:       "diamond",
		Version:    "v1",
		StartState: "A",
		States: map[string]model.StateDef{
			"A": {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", Next: []string{"B", "C"}},
			"B": {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", Next: []string{"D"}},
			"C": {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", Next: []string{"D"}},
			"D": {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", IsTerminal: true},
		},
		Dependencies: map[string]model.Dependency{
			"A": {Downstream: []string{"B", "C"}},
			"B": {Upstream: []string{"A"}, Downstream: []string{"D"}},
			"C": {Upstream: []string{"A"}, Downstream: []string{"D"}},
			"D": {Upstream: []string{"B", "C"}},
		},
	}
	_, err := cp.CreateControlPlane(graph)
	require.NoError(t, err)
	transport := &recordingTransport{}
	return cp, NewDispatcher(cp, transport), transport
}

func markDone(t *testing.T, cp *controlplane.Service, workflowId string, state string) {
	t.Helper()
	require.NoError(t, cp.UpdateState(workflowId, state, "", model.STATUS_DONE, nil, "", true))
}

func TestDispatcher(t *testing.T) {
	t.Run("kickoff targets zero-upstream states", func(t *testing.T) {
		_, d, transport := seedDiamond(t, "wf-kick")

		delivered, err := d.NotifyDownstream("wf-kick", "", model.REASON_UPSTREAM_DONE, false)
		require.NoError(t, err)
		require.Len(t, delivered, 1)
		require.Equal(t, "A", delivered[0].TargetState)
		require.Equal(t, model.REASON_INITIAL, delivered[0].Reason)
		require.Equal(t, persistence.StateKey("wf-kick", "A"), delivered[0].StateKey)
		require.Equal(t, persistence.MetaKey("wf-kick"), delivered[0].MetaKey)
		require.Len(t, transport.envelopes, 1)
	})

	t.Run("not-ready joins are skipped until the last upstream", func(t *testing.T) {
		cp, d, transport := seedDiamond(t, "wf-join")
		markDone(t, cp, "wf-join", "A")
		markDone(t, cp, "wf-join", "B")

		delivered, err := d.NotifyDownstream("wf-join", "B", model.REASON_UPSTREAM_DONE, true)
		require.NoError(t, err)
		require.Empty(t, delivered, "D still waits on C")
		require.Empty(t, transport.envelopes)

		markDone(t, cp, "wf-join", "C")
		delivered, err = d.NotifyDownstream("wf-join", "C", model.REASON_UPSTREAM_DONE, true)
		require.NoError(t, err)
		require.Len(t, delivered, 1)
		require.Equal(t, "D", delivered[0].TargetState)
		require.Equal(t, "C", delivered[0].SourceState)
		require.Equal(t, model.REASON_UPSTREAM_DONE, delivered[0].Reason)
	})

	t.Run("fan out notifies every downstream", func(t *testing.T) {
		cp, d, _ := seedDiamond(t, "wf-fan")
		markDone(t, cp, "wf-fan", "A")

		delivered, err := d.NotifyDownstream("wf-fan", "A", model.REASON_UPSTREAM_DONE, true)
		require.NoError(t, err)
		require.Len(t, delivered, 2)
		targets := []string{delivered[0].TargetState, delivered[1].TargetState}
		require.ElementsMatch(t, []string{"B", "C"}, targets)
	})

	t.Run("notify-if-ready honors the skip set", func(t *testing.T) {
		cp, d, transport := seedDiamond(t, "wf-skip")
		markDone(t, cp, "wf-skip", "A")

		envelope, err := d.NotifyIfReady("wf-skip", "A", false, []model.StateStatus{model.STATUS_DONE})
		require.NoError(t, err)
		require.Nil(t, envelope)
		require.Empty(t, transport.envelopes)

		envelope, err = d.NotifyIfReady("wf-skip", "B", true, nil)
		require.NoError(t, err)
		require.NotNil(t, envelope)
		require.Equal(t, model.REASON_MANUAL, envelope.Reason)
	})

	t.Run("notify-if-ready suppresses unready targets", func(t *testing.T) {
		_, d, transport := seedDiamond(t, "wf-hold")

		envelope, err := d.NotifyIfReady("wf-hold", "D", true, nil)
		require.NoError(t, err)
		require.Nil(t, envelope)
		require.Empty(t, transport.envelopes)
	})

	t.Run("failed states re-notify with retry reason", func(t *testing.T) {
		cp, d, _ := seedDiamond(t, "wf-retry")
		require.NoError(t, cp.UpdateState("wf-retry", "A", "", model.STATUS_FAILED, nil, "exploded", true))

		envelope, err := d.NotifyIfReady("wf-retry", "A", true, nil)
		require.NoError(t, err)
		require.NotNil(t, envelope)
		require.Equal(t, model.REASON_RETRY, envelope.Reason)
	})

	t.Run("unknown state reports not found", func(t *testing.T) {
		_, d, _ := seedDiamond(t, "wf-miss")
		_, err := d.NotifyIfReady("wf-miss", "Z", false, nil)
		require.Error(t, err)
	})
}

func TestChannelTransport(t *testing.T) {
	transport := NewChannelTransport(1)

	first := model.NotificationEnvelope{WorkflowId: "wf", TargetState: "A"}
	require.NoError(t, transport.Deliver(first))

	// capacity exhausted: delivery fails instead of blocking the dispatcher
	err := transport.Deliver(model.NotificationEnvelope{WorkflowId: "wf", TargetState: "B"})
	require.Error(t, err)

	got := <-transport.Receive()
	require.Equal(t, first, got)
}
