package registry

import (
	"strings"
	"testing"

	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence/inmem"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, workflowId string) (*Service, *controlplane.Service, *model.WorkflowGraph) {
	t.Helper()
	cp := controlplane.NewService(inmem.NewInMemDocumentStore(), config.JOIN_POLICY_ALL)
	graph := &model.WorkflowGraph{
		Id:         workflowId,
		Name:       "plan-and-build",
		Version:    "v1",
		StartState: "plan",
		States: map[string]model.StateDef{
			"plan":  {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "planner", Next: []string{"build"}},
			"build": {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", Next: []string{"ship"}},
			"ship":  {Type: model.STATE_TYPE_TASK, OwnerTemplateRef: "builder", IsTerminal: true},
		},
		Dependencies: map[string]model.Dependency{
			"plan":  {Downstream: []string{"build"}},
			"build": {Upstream: []string{"plan"}, Downstream: []string{"ship"}},
			"ship":  {Upstream: []string{"build"}},
		},
	}
	_, err := cp.CreateControlPlane(graph)
	require.NoError(t, err)
	return NewService(cp), cp, graph
}

func forceStatus(t *testing.T, cp *controlplane.Service, workflowId string, state string, status model.StateStatus) {
	t.Helper()
	require.NoError(t, cp.UpdateState(workflowId, state, "", status, nil, "", true))
}

func TestAssignWorkers(t *testing.T) {
	t.Run("every task state gets a template-derived identity", func(t *testing.T) {
		svc, cp, graph := seeded(t, "wf-assign")

		result, err := svc.AssignWorkers(graph, true)
		require.NoError(t, err)
		require.Len(t, result.Created, 3)
		require.Empty(t, result.Existing)
		require.True(t, strings.HasPrefix(result.AgentsMap["plan"], "planner-"))
		require.True(t, strings.HasPrefix(result.AgentsMap["build"], "builder-"))

		meta, err := cp.GetMeta("wf-assign")
		require.NoError(t, err)
		require.Equal(t, result.AgentsMap, meta.TaskOwners)
	})

	t.Run("reassign under skipIfExisting keeps prior identities", func(t *testing.T) {
		svc, _, graph := seeded(t, "wf-keep")

		first, err := svc.AssignWorkers(graph, true)
		require.NoError(t, err)
		second, err := svc.AssignWorkers(graph, true)
		require.NoError(t, err)
		require.Empty(t, second.Created)
		require.Len(t, second.Existing, 3)
		require.Equal(t, first.AgentsMap, second.AgentsMap)
	})

	t.Run("reassign without skip mints fresh identities", func(t *testing.T) {
		svc, _, graph := seeded(t, "wf-fresh")

		first, err := svc.AssignWorkers(graph, true)
		require.NoError(t, err)
		second, err := svc.AssignWorkers(graph, false)
		require.NoError(t, err)
		require.Len(t, second.Created, 3)
		require.NotEqual(t, first.AgentsMap["plan"], second.AgentsMap["plan"])
	})
}

func TestFinalize(t *testing.T) {
	t.Run("all done means succeeded", func(t *testing.T) {
		svc, cp, _ := seeded(t, "wf-ok")
		forceStatus(t, cp, "wf-ok", "plan", model.STATUS_DONE)
		forceStatus(t, cp, "wf-ok", "build", model.STATUS_DONE)
		forceStatus(t, cp, "wf-ok", "ship", model.STATUS_DONE)

		record, err := svc.Finalize("wf-ok", false, false, false, "", "")
		require.NoError(t, err)
		require.Equal(t, model.OVERALL_SUCCEEDED, record.OverallStatus)
		require.Len(t, record.PerStateSummary, 3)
		require.Equal(t, model.STATUS_DONE, record.PerStateSummary["ship"].Status)
	})

	t.Run("failed sink state without successes means failed", func(t *testing.T) {
		svc, cp, _ := seeded(t, "wf-bad")
		forceStatus(t, cp, "wf-bad", "plan", model.STATUS_DONE)
		forceStatus(t, cp, "wf-bad", "build", model.STATUS_DONE)
		forceStatus(t, cp, "wf-bad", "ship", model.STATUS_FAILED)

		record, err := svc.Finalize("wf-bad", false, false, false, "", "")
		require.NoError(t, err)
		require.Equal(t, model.OVERALL_FAILED, record.OverallStatus)
	})

	t.Run("close open states cancels the remainder", func(t *testing.T) {
		svc, cp, _ := seeded(t, "wf-open")
		forceStatus(t, cp, "wf-open", "plan", model.STATUS_DONE)

		record, err := svc.Finalize("wf-open", true, false, false, "", "operator abort")
		require.NoError(t, err)
		require.Equal(t, model.OVERALL_CANCELLED, record.OverallStatus)
		require.Equal(t, "operator abort", record.Note)

		doc, err := cp.GetState("wf-open", "build")
		require.NoError(t, err)
		require.Equal(t, model.STATUS_CANCELLED, doc.Status)
	})

	t.Run("finalization is stable across repeat calls", func(t *testing.T) {
		svc, cp, _ := seeded(t, "wf-twice")
		forceStatus(t, cp, "wf-twice", "plan", model.STATUS_DONE)
		forceStatus(t, cp, "wf-twice", "build", model.STATUS_DONE)
		forceStatus(t, cp, "wf-twice", "ship", model.STATUS_DONE)

		first, err := svc.Finalize("wf-twice", false, false, false, "", "")
		require.NoError(t, err)

		// second call must return the stored record even if callers now
		// pass contradictory options
		second, err := svc.Finalize("wf-twice", true, true, false, model.OVERALL_FAILED, "ignored")
		require.NoError(t, err)
		require.Equal(t, first.OverallStatus, second.OverallStatus)
		require.Equal(t, first.FinalizedAt.Unix(), second.FinalizedAt.Unix())
	})

	t.Run("override wins over the computed status", func(t *testing.T) {
		svc, cp, _ := seeded(t, "wf-override")
		forceStatus(t, cp, "wf-override", "plan", model.STATUS_DONE)
		forceStatus(t, cp, "wf-override", "build", model.STATUS_DONE)
		forceStatus(t, cp, "wf-override", "ship", model.STATUS_DONE)

		record, err := svc.Finalize("wf-override", false, false, false, model.OVERALL_PARTIAL, "")
		require.NoError(t, err)
		require.Equal(t, model.OVERALL_PARTIAL, record.OverallStatus)
	})

	t.Run("delete workers can spare planner roles", func(t *testing.T) {
		svc, cp, graph := seeded(t, "wf-clean")
		_, err := svc.AssignWorkers(graph, true)
		require.NoError(t, err)
		forceStatus(t, cp, "wf-clean", "plan", model.STATUS_DONE)
		forceStatus(t, cp, "wf-clean", "build", model.STATUS_DONE)
		forceStatus(t, cp, "wf-clean", "ship", model.STATUS_DONE)

		_, err = svc.Finalize("wf-clean", false, true, true, "", "")
		require.NoError(t, err)

		meta, err := cp.GetMeta("wf-clean")
		require.NoError(t, err)
		require.Contains(t, meta.TaskOwners, "plan")
		require.NotContains(t, meta.TaskOwners, "build")
		require.NotContains(t, meta.TaskOwners, "ship")
	})
}
