package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/dispatch"
	"github.com/choirhq/choir/lease"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/metadata"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/util"
	"go.uber.org/zap"
)

// INPUT_STATE is the pseudo source under which the launch input payload
// is stored; every state sees it as upstream["input"].
const INPUT_STATE string = "input"

type Config struct {
	LeaseTTLSeconds   int
	HeartbeatInterval time.Duration
	Capacity          int
}

// ChoreoWorker reacts to notification envelopes. Each iteration re-derives
// everything from the document store: the envelope is a hint, never a
// source of truth, which makes duplicate and out-of-order delivery safe.
type ChoreoWorker struct {
	id         string
	conf       Config
	cp         *controlplane.Service
	leases     *lease.Manager
	dispatcher *dispatch.Dispatcher
	meta       *metadata.Service
	registry   Finalizer
	executors  *Executors
	loader     CapabilityLoader
}

// Finalizer is the slice of the registry service the worker needs to
// close a workflow once the last terminal state lands.
type Finalizer interface {
	Finalize(workflowId string, closeOpenStates bool, deleteWorkers bool, preservePlannerLikeRoles bool, overallStatusOverride model.OverallStatus, note string) (*model.FinalizationRecord, error)
}

func NewChoreoWorker(conf Config, cp *controlplane.Service, leases *lease.Manager, dispatcher *dispatch.Dispatcher, meta *metadata.Service, registry Finalizer, executors *Executors, loader CapabilityLoader) *ChoreoWorker {
	if loader == nil {
		loader = NoopLoader()
	}
	return &ChoreoWorker{
		id:         "choreo-" + uuid.New().String()[:8],
		conf:       conf,
		cp:         cp,
		leases:     leases,
		dispatcher: dispatcher,
		meta:       meta,
		registry:   registry,
		executors:  executors,
		loader:     loader,
	}
}

// Handle processes one envelope end to end: readiness check, lease
// acquire, capability load, execute with a live heartbeat, output write,
// status update, release, downstream notification.
func (w *ChoreoWorker) Handle(envelope model.NotificationEnvelope) error {
	meta, err := w.cp.GetMeta(envelope.WorkflowId)
	if err != nil {
		return err
	}
	doc, err := w.cp.GetState(envelope.WorkflowId, envelope.TargetState)
	if err != nil {
		return err
	}
	if doc.Status.IsTerminal() {
		logger.Debug("duplicate notification for terminal state, skipping",
			zap.String("workflowId", envelope.WorkflowId), zap.String("state", envelope.TargetState))
		return nil
	}
	graph, err := w.meta.GetGraph(meta.WorkflowName, meta.Version)
	if err != nil {
		return err
	}
	stateDef, ok := graph.States[envelope.TargetState]
	if !ok {
		return fmt.Errorf("state %s not in graph %s/%s", envelope.TargetState, meta.WorkflowName, meta.Version)
	}

	ownerId := w.id
	requireOwnerMatch := false
	if stateDef.Type == model.STATE_TYPE_TASK {
		if assigned, ok := meta.TaskOwners[envelope.TargetState]; ok {
			// the embedded pool executes on behalf of the assigned identity
			ownerId = assigned
			requireOwnerMatch = true
		}
	}

	acq, err := w.leases.Acquire(lease.AcquireRequest{
		WorkflowId:          envelope.WorkflowId,
		State:               envelope.TargetState,
		OwnerId:             ownerId,
		TTLSeconds:          w.conf.LeaseTTLSeconds,
		RequireReady:        true,
		RequireOwnerMatch:   requireOwnerMatch,
		AllowStealIfExpired: true,
	})
	if err != nil {
		return err
	}
	if !acq.Granted && !acq.AlreadyHeld {
		// contention and not-ready are routine; the next upstream
		// completion or manual nudge re-delivers
		logger.Debug("lease not acquired", zap.String("workflowId", envelope.WorkflowId),
			zap.String("state", envelope.TargetState), zap.String("reason", string(acq.Reason)))
		return nil
	}

	return w.runLeased(envelope, meta, graph, stateDef, ownerId, acq.Token)
}

func (w *ChoreoWorker) runLeased(envelope model.NotificationEnvelope, meta *model.ControlPlaneMeta, graph *model.WorkflowGraph, stateDef model.StateDef, ownerId string, token string) error {
	workflowId := envelope.WorkflowId
	state := envelope.TargetState

	if err := w.loader.Load(stateDef.RequiredCapabilities); err != nil {
		_ = w.failState(workflowId, state, token, fmt.Sprintf("capability load failed: %v", err))
		return err
	}
	defer w.loader.Unload(stateDef.RequiredCapabilities)

	data, err := w.mergeUpstreamOutputs(workflowId, meta, state)
	if err != nil {
		_ = w.failState(workflowId, state, token, err.Error())
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb := startHeartbeat(w.leases, workflowId, state, token, w.conf.LeaseTTLSeconds, w.conf.HeartbeatInterval, cancel)

	output, chosen, execErr := w.execute(ctx, graph, stateDef, workflowId, state, data)
	hb.stop()

	if ctx.Err() != nil {
		// ownership lost mid-flight: no terminal success write, best
		// effort failure report without the (gone) lease
		logger.Warn("execution aborted after lease loss", zap.String("workflowId", workflowId), zap.String("state", state))
		return nil
	}

	if execErr != nil {
		if err := w.failState(workflowId, state, token, execErr.Error()); err != nil {
			return err
		}
		if _, err := w.leases.Release(workflowId, state, token, false, false); err != nil {
			return err
		}
		return nil
	}

	if err := w.cp.UpdateState(workflowId, state, token, model.STATUS_DONE, output, "", false); err != nil {
		return err
	}
	if _, err := w.leases.Release(workflowId, state, token, false, false); err != nil {
		return err
	}

	if chosen != "" {
		if _, err := w.dispatcher.NotifyIfReady(workflowId, chosen, true, []model.StateStatus{model.STATUS_DONE, model.STATUS_RUNNING}); err != nil {
			return err
		}
	} else if _, err := w.dispatcher.NotifyDownstream(workflowId, state, model.REASON_UPSTREAM_DONE, true); err != nil {
		return err
	}

	return w.maybeFinalize(workflowId)
}

// execute dispatches on state type. Only Task states reach a registered
// executor; the structural types are handled inline.
func (w *ChoreoWorker) execute(ctx context.Context, graph *model.WorkflowGraph, stateDef model.StateDef, workflowId string, state string, data map[string]any) (map[string]any, string, error) {
	switch stateDef.Type {
	case model.STATE_TYPE_TASK:
		doc, err := w.cp.GetState(workflowId, state)
		if err != nil {
			return nil, "", err
		}
		task := Task{
			WorkflowId:   workflowId,
			State:        state,
			Attempt:      doc.Attempts,
			Params:       util.ResolveInputParams(data, stateDef.Parameters),
			Capabilities: stateDef.RequiredCapabilities,
			Upstream:     upstreamView(data),
		}
		out, err := w.executors.Get(stateDef.OwnerTemplateRef).Execute(ctx, task)
		return out, "", err
	case model.STATE_TYPE_CHOICE:
		chosen, err := evalChoice(stateDef, data)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"chosen": chosen}, chosen, nil
	case model.STATE_TYPE_PASS:
		out, err := evalTransform(stateDef.Expression, data)
		return out, "", err
	case model.STATE_TYPE_WAIT:
		select {
		case <-time.After(time.Duration(stateDef.DelaySeconds) * time.Second):
			return map[string]any{"waitedSeconds": stateDef.DelaySeconds}, "", nil
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	case model.STATE_TYPE_PARALLEL, model.STATE_TYPE_SUCCEED:
		// structural: completion alone drives the graph forward
		return map[string]any{}, "", nil
	case model.STATE_TYPE_FAIL:
		return nil, "", fmt.Errorf("reached explicit fail state %s", state)
	default:
		return nil, "", fmt.Errorf("unhandled state type %s", stateDef.Type)
	}
}

func (w *ChoreoWorker) failState(workflowId string, state string, token string, message string) error {
	err := w.cp.UpdateState(workflowId, state, token, model.STATUS_FAILED, nil, message, false)
	if err != nil {
		logger.Error("failure report did not land", zap.String("workflowId", workflowId), zap.String("state", state), zap.Error(err))
	}
	return err
}

// mergeUpstreamOutputs builds `$`: one entry per upstream state plus the
// launch input document when present.
func (w *ChoreoWorker) mergeUpstreamOutputs(workflowId string, meta *model.ControlPlaneMeta, state string) (map[string]any, error) {
	data := make(map[string]any)
	if input, err := w.cp.GetOutput(workflowId, INPUT_STATE); err != nil {
		return nil, err
	} else if input != nil {
		data[INPUT_STATE] = input.Data
	}
	for _, up := range meta.Dependencies[state].Upstream {
		output, err := w.cp.GetOutput(workflowId, up)
		if err != nil {
			return nil, err
		}
		if output != nil {
			data[up] = output.Data
		}
	}
	return data, nil
}

func upstreamView(data map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]any); ok {
			out[k] = m
		}
	}
	return out
}

// maybeFinalize closes the workflow once every terminal (no-downstream)
// state reached a terminal status. Finalize is write-once, so concurrent
// workers racing here is harmless.
func (w *ChoreoWorker) maybeFinalize(workflowId string) error {
	snapshot, err := w.cp.ReadControlPlane(workflowId, nil, true, false)
	if err != nil {
		return err
	}
	for name, doc := range snapshot.States {
		if len(snapshot.Meta.Dependencies[name].Downstream) > 0 {
			continue
		}
		if !doc.Status.IsTerminal() {
			return nil
		}
	}
	_, err = w.registry.Finalize(workflowId, false, false, true, model.OverallStatus(""), "all terminal states settled")
	return err
}
