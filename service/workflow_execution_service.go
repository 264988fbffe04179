package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/dispatch"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/metadata"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/registry"
	"github.com/choirhq/choir/util"
	"github.com/choirhq/choir/validator"
	"go.uber.org/zap"
)

// WorkflowExecutionService is the planner-facing composition of the
// engine's parts: submit, launch, inspect, nudge, finalize.
type WorkflowExecutionService struct {
	meta       *metadata.Service
	cp         *controlplane.Service
	registry   *registry.Service
	dispatcher *dispatch.Dispatcher
}

func NewWorkflowExecutionService(meta *metadata.Service, cp *controlplane.Service, reg *registry.Service, dispatcher *dispatch.Dispatcher) *WorkflowExecutionService {
	return &WorkflowExecutionService{
		meta:       meta,
		cp:         cp,
		registry:   reg,
		dispatcher: dispatcher,
	}
}

func (s *WorkflowExecutionService) Submit(def model.WorkflowDefinition) (*model.WorkflowGraph, *validator.Report, error) {
	return s.meta.Submit(def)
}

type LaunchResult struct {
	WorkflowId string                       `json:"workflowId"`
	Plane      *controlplane.CreateResult   `json:"plane"`
	Agents     map[string]string            `json:"agents"`
	Notified   []model.NotificationEnvelope `json:"notified"`
}

// Launch seeds the control plane for a stored definition, assigns worker
// identities, records the input payload, and wakes the zero-upstream
// states. Every step is idempotent, so a relaunch after a partial
// failure converges rather than duplicating documents.
func (s *WorkflowExecutionService) Launch(name string, version string, workflowId string, input map[string]any) (*LaunchResult, error) {
	graph, err := s.meta.GetGraph(name, version)
	if err != nil {
		return nil, err
	}
	if workflowId == "" {
		workflowId = uuid.New().String()
	}
	launched := *graph
	launched.Id = workflowId

	plane, err := s.cp.CreateControlPlane(&launched)
	if err != nil {
		return nil, err
	}
	assigned, err := s.registry.AssignWorkers(&launched, true)
	if err != nil {
		return nil, err
	}
	if input != nil {
		if err := s.writeInput(workflowId, input); err != nil {
			return nil, err
		}
	}
	notified, err := s.dispatcher.NotifyDownstream(workflowId, "", model.REASON_INITIAL, true)
	if err != nil {
		return nil, err
	}
	logger.Info("workflow launched", zap.String("workflow", name), zap.String("workflowId", workflowId))
	return &LaunchResult{
		WorkflowId: workflowId,
		Plane:      plane,
		Agents:     assigned.AgentsMap,
		Notified:   notified,
	}, nil
}

func (s *WorkflowExecutionService) writeInput(workflowId string, input map[string]any) error {
	encDec := util.NewJsonEncoderDecoder[model.DataPlaneOutput]()
	data, err := encDec.Encode(model.DataPlaneOutput{
		WorkflowId: workflowId,
		State:      "input",
		Data:       input,
		WrittenAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = s.cp.Store().CreateIfAbsent(persistence.OutputKey(workflowId, "input"), data)
	return err
}

func (s *WorkflowExecutionService) Snapshot(workflowId string, states []string, includeMeta bool, readiness bool) (*model.ControlPlaneSnapshot, error) {
	return s.cp.ReadControlPlane(workflowId, states, includeMeta, readiness)
}

func (s *WorkflowExecutionService) Notify(workflowId string, state string, requireReady bool, skipIfStatusIn []model.StateStatus) (*model.NotificationEnvelope, error) {
	return s.dispatcher.NotifyIfReady(workflowId, state, requireReady, skipIfStatusIn)
}

// Reset rewinds a failed state to pending so the next notification is
// actionable again. Failed is terminal, workers drop terminal states and
// the lease manager denies them, so a retry envelope does nothing until
// an operator rewinds the state through this forced transition. Attempts
// and the failure history survive the rewind.
func (s *WorkflowExecutionService) Reset(workflowId string, state string, notify bool) (*model.NotificationEnvelope, error) {
	doc, err := s.cp.GetState(workflowId, state)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.STATUS_FAILED {
		return nil, fmt.Errorf("state %s is %s, only failed states can be reset", state, doc.Status)
	}
	if err := s.cp.UpdateState(workflowId, state, "", model.STATUS_PENDING, nil, "", true); err != nil {
		return nil, err
	}
	logger.Info("state reset for retry", zap.String("workflowId", workflowId), zap.String("state", state))
	if !notify {
		return nil, nil
	}
	return s.dispatcher.NotifyIfReady(workflowId, state, true, nil)
}

func (s *WorkflowExecutionService) Finalize(workflowId string, closeOpenStates bool, deleteWorkers bool, preservePlannerLikeRoles bool, override model.OverallStatus, note string) (*model.FinalizationRecord, error) {
	return s.registry.Finalize(workflowId, closeOpenStates, deleteWorkers, preservePlannerLikeRoles, override, note)
}

func (s *WorkflowExecutionService) Output(workflowId string, state string) (*model.DataPlaneOutput, error) {
	return s.cp.GetOutput(workflowId, state)
}
