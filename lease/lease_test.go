package lease

import (
	"sync"
	"testing"

	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/persistence/inmem"
	"github.com/stretchr/testify/require"
)

func seededManager(t *testing.T, workflowId string) (*Manager, *controlplane.Service) {
	t.Helper()
	cp := controlplane.NewService(inmem.NewInMemDocumentStore(), config.JOIN_POLICY_ALL)
	graph := &model.WorkflowGraph{
		Id:         workflowId,
		Name:       "pair",
		Version:    "v1",
		StartState: "A",
		States: map[string]model.StateDef{
			"A": {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", Next: []string{"B"}},
			"B": {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", IsTerminal: true},
		},
		Dependencies: map[string]model.Dependency{
			"A": {Downstream: []string{"B"}},
			"B": {Upstream: []string{"A"}},
		},
	}
	_, err := cp.CreateControlPlane(graph)
	require.NoError(t, err)
	return NewManager(cp, true), cp
}

func TestLeaseManager(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, workflowId string){
		"grant marks running and counts the attempt": testGrant,
		"second owner is denied while held":          testHeldByOther,
		"same owner reacquire returns held token":    testAlreadyHeld,
		"not ready states cannot be leased":          testRequireReady,
		"owner match is enforced when requested":     testRequireOwnerMatch,
		"terminal states are never leased":           testDeniedTerminal,
		"expired lease is stealable when allowed":    testExpiredSteal,
		"renew rejects wrong and expired tokens":     testRenew,
		"release is idempotent and token guarded":    testRelease,
		"racing acquirers get exactly one grant":     testConcurrentAcquire,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, "wf-"+scenario[:4])
		})
	}
}

func acquire(t *testing.T, m *Manager, workflowId string, owner string, ttl int) *AcquireResult {
	t.Helper()
	result, err := m.Acquire(AcquireRequest{
		WorkflowId: workflowId,
		State:      "A",
		OwnerId:    owner,
		TTLSeconds: ttl,
	})
	require.NoError(t, err)
	return result
}

func testGrant(t *testing.T, workflowId string) {
	m, cp := seededManager(t, workflowId)

	result := acquire(t, m, workflowId, "builder-1", 30)
	require.True(t, result.Granted)
	require.NotEmpty(t, result.Token)

	doc, err := cp.GetState(workflowId, "A")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_RUNNING, doc.Status)
	require.Equal(t, 1, doc.Attempts)
	require.NotNil(t, doc.StartedAt)
	require.Equal(t, "builder-1", doc.Lease.OwnerId)
	require.Equal(t, result.Token, doc.Lease.Token)
}

func testHeldByOther(t *testing.T, workflowId string) {
	m, _ := seededManager(t, workflowId)

	first := acquire(t, m, workflowId, "builder-1", 30)
	require.True(t, first.Granted)

	second := acquire(t, m, workflowId, "builder-2", 30)
	require.False(t, second.Granted)
	require.Empty(t, second.Token)
	require.Equal(t, DENIED_HELD_BY_OTHER, second.Reason)
}

func testAlreadyHeld(t *testing.T, workflowId string) {
	m, cp := seededManager(t, workflowId)

	first := acquire(t, m, workflowId, "builder-1", 30)
	again := acquire(t, m, workflowId, "builder-1", 30)
	require.False(t, again.Granted)
	require.True(t, again.AlreadyHeld)
	require.Equal(t, first.Token, again.Token)

	// reacquire must not burn an attempt
	doc, err := cp.GetState(workflowId, "A")
	require.NoError(t, err)
	require.Equal(t, 1, doc.Attempts)
}

func testRequireReady(t *testing.T, workflowId string) {
	m, cp := seededManager(t, workflowId)

	result, err := m.Acquire(AcquireRequest{
		WorkflowId:   workflowId,
		State:        "B",
		OwnerId:      "builder-1",
		TTLSeconds:   30,
		RequireReady: true,
	})
	require.NoError(t, err)
	require.False(t, result.Granted)
	require.Equal(t, DENIED_NOT_READY, result.Reason)

	a := acquire(t, m, workflowId, "builder-1", 30)
	require.NoError(t, cp.UpdateState(workflowId, "A", a.Token, model.STATUS_DONE, nil, "", false))

	result, err = m.Acquire(AcquireRequest{
		WorkflowId:   workflowId,
		State:        "B",
		OwnerId:      "builder-1",
		TTLSeconds:   30,
		RequireReady: true,
	})
	require.NoError(t, err)
	require.True(t, result.Granted)
}

func testRequireOwnerMatch(t *testing.T, workflowId string) {
	m, cp := seededManager(t, workflowId)

	require.NoError(t, cp.Store().SetPath(persistence.MetaKey(workflowId), "taskOwners",
		map[string]string{"A": "builder-assigned"}))

	result, err := m.Acquire(AcquireRequest{
		WorkflowId:        workflowId,
		State:             "A",
		OwnerId:           "builder-impostor",
		TTLSeconds:        30,
		RequireOwnerMatch: true,
	})
	require.NoError(t, err)
	require.Equal(t, DENIED_OWNER_MISMATCH, result.Reason)

	result, err = m.Acquire(AcquireRequest{
		WorkflowId:        workflowId,
		State:             "A",
		OwnerId:           "builder-assigned",
		TTLSeconds:        30,
		RequireOwnerMatch: true,
	})
	require.NoError(t, err)
	require.True(t, result.Granted)
}

func testDeniedTerminal(t *testing.T, workflowId string) {
	m, cp := seededManager(t, workflowId)

	a := acquire(t, m, workflowId, "builder-1", 30)
	require.NoError(t, cp.UpdateState(workflowId, "A", a.Token, model.STATUS_DONE, nil, "", false))

	result := acquire(t, m, workflowId, "builder-2", 30)
	require.False(t, result.Granted)
	require.Equal(t, DENIED_TERMINAL, result.Reason)
}

func testExpiredSteal(t *testing.T, workflowId string) {
	m, _ := seededManager(t, workflowId)

	// zero TTL expires immediately
	first := acquire(t, m, workflowId, "builder-1", 0)
	require.True(t, first.Granted)

	blocked := acquire(t, m, workflowId, "builder-2", 30)
	require.False(t, blocked.Granted)
	require.Equal(t, DENIED_EXPIRED_HELD, blocked.Reason)

	stolen, err := m.Acquire(AcquireRequest{
		WorkflowId:          workflowId,
		State:               "A",
		OwnerId:             "builder-2",
		TTLSeconds:          30,
		AllowStealIfExpired: true,
	})
	require.NoError(t, err)
	require.True(t, stolen.Granted)
	require.NotEqual(t, first.Token, stolen.Token)
}

func testRenew(t *testing.T, workflowId string) {
	m, _ := seededManager(t, workflowId)

	granted := acquire(t, m, workflowId, "builder-1", 30)

	renewed, err := m.Renew(workflowId, "A", granted.Token, 30, true, true)
	require.NoError(t, err)
	require.True(t, renewed.Renewed)

	wrong, err := m.Renew(workflowId, "A", "bogus", 30, true, true)
	require.NoError(t, err)
	require.False(t, wrong.Renewed)
	require.Equal(t, DENIED_TOKEN_MISMATCH, wrong.Reason)

	// shrink the window to nothing, then renewal with rejectIfExpired fails
	shrunk, err := m.Renew(workflowId, "A", granted.Token, 0, true, true)
	require.NoError(t, err)
	require.True(t, shrunk.Renewed)

	late, err := m.Renew(workflowId, "A", granted.Token, 30, true, true)
	require.NoError(t, err)
	require.False(t, late.Renewed)
	require.Equal(t, DENIED_EXPIRED, late.Reason)
}

func testRelease(t *testing.T, workflowId string) {
	m, cp := seededManager(t, workflowId)

	granted := acquire(t, m, workflowId, "builder-1", 30)

	wrong, err := m.Release(workflowId, "A", "bogus", false, false)
	require.NoError(t, err)
	require.False(t, wrong.Released)
	require.Equal(t, DENIED_TOKEN_MISMATCH, wrong.Reason)

	ok, err := m.Release(workflowId, "A", granted.Token, false, false)
	require.NoError(t, err)
	require.True(t, ok.Released)

	doc, err := cp.GetState(workflowId, "A")
	require.NoError(t, err)
	require.Nil(t, doc.Lease)
	// release leaves the status where it was
	require.Equal(t, model.STATUS_RUNNING, doc.Status)

	again, err := m.Release(workflowId, "A", granted.Token, false, false)
	require.NoError(t, err)
	require.True(t, again.Released, "releasing a clear lease is a retry, not an error")
}

func testConcurrentAcquire(t *testing.T, workflowId string) {
	m, _ := seededManager(t, workflowId)

	const contenders = 24
	results := make([]*AcquireResult, contenders)
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func(i int) {
			defer wg.Done()
			result, err := m.Acquire(AcquireRequest{
				WorkflowId: workflowId,
				State:      "A",
				OwnerId:    "builder-" + string(rune('a'+i)),
				TTLSeconds: 30,
			})
			require.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, result := range results {
		if result.Granted {
			granted++
		} else {
			require.Equal(t, DENIED_HELD_BY_OTHER, result.Reason)
		}
	}
	require.Equal(t, 1, granted)
}
