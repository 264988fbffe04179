package controlplane

import (
	"errors"
	"testing"
	"time"

	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/persistence/inmem"
	"github.com/stretchr/testify/require"
)

// diamond graph: A fans out to B and C which join on D
func diamondGraph(id string) *model.WorkflowGraph {
	return &model.WorkflowGraph{
		Id:         id,
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
}

func TestControlPlaneService(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, svc *Service){
		"seeding is idempotent":                      testSeedIdempotent,
		"readiness follows upstream completion":      testReadiness,
		"any join policy needs one upstream":         testAnyJoinPolicy,
		"terminal transition needs the lease token":  testTerminalNeedsLease,
		"expired token cannot commit a terminal":     testTerminalNeedsValidLease,
		"terminal status is immutable without force": testTerminalImmutable,
		"terminal write retires the lease":           testTerminalClearsLease,
		"done with output lands in the data plane":   testOutputWrite,
		"snapshot subsets and readiness":             testSnapshot,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, NewService(inmem.NewInMemDocumentStore(), config.JOIN_POLICY_ALL))
		})
	}
}

func holdLease(t *testing.T, svc *Service, workflowId string, state string) string {
	t.Helper()
	token := "tok-" + state
	now := time.Now().UTC()
	_, err := svc.Store().Update(persistence.StateKey(workflowId, state), func(current []byte) ([]byte, error) {
		doc, err := svc.stateEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		doc.Status = model.STATUS_RUNNING
		doc.Lease = &model.Lease{Token: token, OwnerId: "owner-" + state, AcquiredAt: now, TTLSeconds: 60}
		return svc.stateEncDec.Encode(*doc)
	})
	require.NoError(t, err)
	return token
}

func testSeedIdempotent(t *testing.T, svc *Service) {
	graph := diamondGraph("wf-1")

	first, err := svc.CreateControlPlane(graph)
	require.NoError(t, err)
	require.Len(t, first.Created, 5)
	require.Empty(t, first.Existing)

	second, err := svc.CreateControlPlane(graph)
	require.NoError(t, err)
	require.Empty(t, second.Created)
	require.Len(t, second.Existing, 5)

	meta, err := svc.GetMeta("wf-1")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C", "D"}, meta.States)

	doc, err := svc.GetState("wf-1", "A")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PENDING, doc.Status)
	require.Zero(t, doc.Attempts)
	require.Nil(t, doc.Lease)
}

func testReadiness(t *testing.T, svc *Service) {
	graph := diamondGraph("wf-2")
	_, err := svc.CreateControlPlane(graph)
	require.NoError(t, err)

	snapshot, err := svc.ReadControlPlane("wf-2", nil, false, true)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"A": true, "B": false, "C": false, "D": false}, snapshot.Readiness)

	token := holdLease(t, svc, "wf-2", "A")
	require.NoError(t, svc.UpdateState("wf-2", "A", token, model.STATUS_DONE, nil, "", false))

	snapshot, err = svc.ReadControlPlane("wf-2", nil, false, true)
	require.NoError(t, err)
	require.True(t, snapshot.Readiness["B"])
	require.True(t, snapshot.Readiness["C"])
	require.False(t, snapshot.Readiness["D"], "join must wait for both upstreams")

	tokenB := holdLease(t, svc, "wf-2", "B")
	require.NoError(t, svc.UpdateState("wf-2", "B", tokenB, model.STATUS_DONE, nil, "", false))

	snapshot, err = svc.ReadControlPlane("wf-2", nil, false, true)
	require.NoError(t, err)
	require.False(t, snapshot.Readiness["D"])

	tokenC := holdLease(t, svc, "wf-2", "C")
	require.NoError(t, svc.UpdateState("wf-2", "C", tokenC, model.STATUS_DONE, nil, "", false))

	snapshot, err = svc.ReadControlPlane("wf-2", nil, false, true)
	require.NoError(t, err)
	require.True(t, snapshot.Readiness["D"])
}

func testAnyJoinPolicy(t *testing.T, _ *Service) {
	svc := NewService(inmem.NewInMemDocumentStore(), config.JOIN_POLICY_ANY)
	graph := diamondGraph("wf-any")
	_, err := svc.CreateControlPlane(graph)
	require.NoError(t, err)

	token := holdLease(t, svc, "wf-any", "A")
	require.NoError(t, svc.UpdateState("wf-any", "A", token, model.STATUS_DONE, nil, "", false))
	tokenB := holdLease(t, svc, "wf-any", "B")
	require.NoError(t, svc.UpdateState("wf-any", "B", tokenB, model.STATUS_DONE, nil, "", false))

	snapshot, err := svc.ReadControlPlane("wf-any", nil, false, true)
	require.NoError(t, err)
	require.True(t, snapshot.Readiness["D"], "any policy is satisfied by a single done upstream")
}

func testTerminalNeedsLease(t *testing.T, svc *Service) {
	_, err := svc.CreateControlPlane(diamondGraph("wf-3"))
	require.NoError(t, err)

	holdLease(t, svc, "wf-3", "A")
	err = svc.UpdateState("wf-3", "A", "wrong-token", model.STATUS_DONE, nil, "", false)
	var mismatch LeaseMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.ErrorIs(t, err, persistence.ErrAbortUpdate)

	doc, err := svc.GetState("wf-3", "A")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_RUNNING, doc.Status)
}

func testTerminalNeedsValidLease(t *testing.T, svc *Service) {
	_, err := svc.CreateControlPlane(diamondGraph("wf-3e"))
	require.NoError(t, err)

	// the token matches but the lease ran out an hour ago, so the
	// state is up for grabs and the holder must not finish it
	token := "tok-stale"
	_, err = svc.Store().Update(persistence.StateKey("wf-3e", "A"), func(current []byte) ([]byte, error) {
		doc, err := svc.stateEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		doc.Status = model.STATUS_RUNNING
		doc.Lease = &model.Lease{Token: token, OwnerId: "owner-A", AcquiredAt: time.Now().UTC().Add(-time.Hour), TTLSeconds: 5}
		return svc.stateEncDec.Encode(*doc)
	})
	require.NoError(t, err)

	err = svc.UpdateState("wf-3e", "A", token, model.STATUS_DONE, nil, "", false)
	var mismatch LeaseMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.ErrorIs(t, err, persistence.ErrAbortUpdate)

	doc, err := svc.GetState("wf-3e", "A")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_RUNNING, doc.Status)
	require.NotNil(t, doc.Lease, "a rejected write leaves the expired lease for the stealer to observe")
}

func testTerminalImmutable(t *testing.T, svc *Service) {
	_, err := svc.CreateControlPlane(diamondGraph("wf-4"))
	require.NoError(t, err)

	token := holdLease(t, svc, "wf-4", "A")
	require.NoError(t, svc.UpdateState("wf-4", "A", token, model.STATUS_DONE, nil, "", false))

	err = svc.UpdateState("wf-4", "A", token, model.STATUS_FAILED, nil, "late failure", false)
	var terminal TerminalStateError
	require.True(t, errors.As(err, &terminal))
	require.Equal(t, model.STATUS_DONE, terminal.Status)

	// administrative force is the only path out of a terminal status
	require.NoError(t, svc.UpdateState("wf-4", "A", "", model.STATUS_CANCELLED, nil, "operator override", true))
	doc, err := svc.GetState("wf-4", "A")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_CANCELLED, doc.Status)
}

func testTerminalClearsLease(t *testing.T, svc *Service) {
	_, err := svc.CreateControlPlane(diamondGraph("wf-5"))
	require.NoError(t, err)

	token := holdLease(t, svc, "wf-5", "A")
	require.NoError(t, svc.UpdateState("wf-5", "A", token, model.STATUS_DONE, nil, "", false))

	doc, err := svc.GetState("wf-5", "A")
	require.NoError(t, err)
	require.Nil(t, doc.Lease)
	require.NotNil(t, doc.FinishedAt)
}

func testOutputWrite(t *testing.T, svc *Service) {
	_, err := svc.CreateControlPlane(diamondGraph("wf-6"))
	require.NoError(t, err)

	out, err := svc.GetOutput("wf-6", "A")
	require.NoError(t, err)
	require.Nil(t, out)

	token := holdLease(t, svc, "wf-6", "A")
	require.NoError(t, svc.UpdateState("wf-6", "A", token, model.STATUS_DONE, map[string]any{"artifact": "a.tar"}, "", false))

	out, err = svc.GetOutput("wf-6", "A")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, "A", out.State)
	require.Equal(t, map[string]any{"artifact": "a.tar"}, out.Data)
}

func testSnapshot(t *testing.T, svc *Service) {
	_, err := svc.CreateControlPlane(diamondGraph("wf-7"))
	require.NoError(t, err)

	snapshot, err := svc.ReadControlPlane("wf-7", []string{"B", "D"}, true, true)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Meta)
	require.Len(t, snapshot.States, 2)
	require.Contains(t, snapshot.States, "B")
	require.Contains(t, snapshot.States, "D")
	require.Equal(t, map[string]bool{"B": false, "D": false}, snapshot.Readiness)

	bare, err := svc.ReadControlPlane("wf-7", nil, false, false)
	require.NoError(t, err)
	require.Nil(t, bare.Meta)
	require.Nil(t, bare.Readiness)
	require.Len(t, bare.States, 4)
}
