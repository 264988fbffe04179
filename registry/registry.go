package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/util"
	"go.uber.org/zap"
)

// Service owns the task-to-worker mapping in the meta document and the
// end-of-workflow finalization record.
type Service struct {
	cp          *controlplane.Service
	metaEncDec  util.EncoderDecoder[model.ControlPlaneMeta]
	finalEncDec util.EncoderDecoder[model.FinalizationRecord]
}

func NewService(cp *controlplane.Service) *Service {
	return &Service{
		cp:          cp,
		metaEncDec:  util.NewJsonEncoderDecoder[model.ControlPlaneMeta](),
		finalEncDec: util.NewJsonEncoderDecoder[model.FinalizationRecord](),
	}
}

type AssignResult struct {
	AgentsMap map[string]string
	Created   []string
	Existing  []string
}

// AssignWorkers resolves an executor identity for every Task state from
// its ownerTemplateRef. Existing assignments are reused under
// skipIfExisting, which keeps workflow relaunch idempotent after a
// partial failure.
func (s *Service) AssignWorkers(graph *model.WorkflowGraph, skipIfExisting bool) (*AssignResult, error) {
	result := &AssignResult{
		AgentsMap: make(map[string]string),
	}

	taskStates := make([]string, 0)
	for name, def := range graph.States {
		if def.Type == model.STATE_TYPE_TASK {
			taskStates = append(taskStates, name)
		}
	}
	sort.Strings(taskStates)

	_, err := s.cp.Store().Update(persistence.MetaKey(graph.Id), func(current []byte) ([]byte, error) {
		meta, err := s.metaEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		if meta.TaskOwners == nil {
			meta.TaskOwners = make(map[string]string)
		}
		for _, name := range taskStates {
			if existing, ok := meta.TaskOwners[name]; ok && skipIfExisting {
				result.AgentsMap[name] = existing
				result.Existing = append(result.Existing, name)
				continue
			}
			template := graph.States[name].OwnerTemplateRef
			workerId := newWorkerId(template)
			meta.TaskOwners[name] = workerId
			result.AgentsMap[name] = workerId
			result.Created = append(result.Created, name)
		}
		return s.metaEncDec.Encode(*meta)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("workers assigned", zap.String("workflowId", graph.Id),
		zap.Int("created", len(result.Created)), zap.Int("existing", len(result.Existing)))
	return result, nil
}

func newWorkerId(template string) string {
	return template + "-" + uuid.New().String()[:8]
}

// Finalize closes the workflow: optionally cancels open states, computes
// the overall status from reachable terminal states, and writes the
// audit record once. A second call returns the stored record untouched.
func (s *Service) Finalize(workflowId string, closeOpenStates bool, deleteWorkers bool, preservePlannerLikeRoles bool, overallStatusOverride model.OverallStatus, note string) (*model.FinalizationRecord, error) {
	if existing, err := s.getRecord(workflowId); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	snapshot, err := s.cp.ReadControlPlane(workflowId, nil, true, false)
	if err != nil {
		return nil, err
	}

	if closeOpenStates {
		for name, doc := range snapshot.States {
			if doc.Status == model.STATUS_PENDING || doc.Status == model.STATUS_RUNNING {
				// administrative transition, no lease to pair with
				if err := s.cp.UpdateState(workflowId, name, "", model.STATUS_CANCELLED, nil, "cancelled by finalizer", true); err != nil {
					return nil, err
				}
			}
		}
		snapshot, err = s.cp.ReadControlPlane(workflowId, nil, true, false)
		if err != nil {
			return nil, err
		}
	}

	overall := overallStatusOverride
	if overall == model.OverallStatus("") {
		overall = computeOverall(snapshot)
	}

	summary := make(map[string]model.StateSummary, len(snapshot.States))
	for name, doc := range snapshot.States {
		summary[name] = model.StateSummary{
			Status:     doc.Status,
			Attempts:   doc.Attempts,
			LastError:  doc.LastError,
			FinishedAt: doc.FinishedAt,
		}
	}
	record := model.FinalizationRecord{
		WorkflowId:      workflowId,
		OverallStatus:   overall,
		PerStateSummary: summary,
		FinalizedAt:     time.Now().UTC(),
		Note:            note,
	}
	data, err := s.finalEncDec.Encode(record)
	if err != nil {
		return nil, err
	}
	created, err := s.cp.Store().CreateIfAbsent(persistence.FinalKey(workflowId), data)
	if err != nil {
		return nil, err
	}
	if !created {
		// lost the race to another finalizer; their record wins
		return s.getRecord(workflowId)
	}

	if deleteWorkers {
		if err := s.releaseWorkers(workflowId, preservePlannerLikeRoles); err != nil {
			return nil, err
		}
	}
	logger.Info("workflow finalized", zap.String("workflowId", workflowId), zap.String("overallStatus", string(overall)))
	return &record, nil
}

func (s *Service) getRecord(workflowId string) (*model.FinalizationRecord, error) {
	doc, err := s.cp.Store().Get(persistence.FinalKey(workflowId))
	if err != nil {
		if _, ok := err.(persistence.NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	return s.finalEncDec.Decode(doc.Data)
}

// computeOverall inspects reachable terminal states, which in the derived
// dependency map are exactly the states with no downstream edge.
func computeOverall(snapshot *model.ControlPlaneSnapshot) model.OverallStatus {
	var done, failed, cancelled, terminal int
	for name, doc := range snapshot.States {
		if len(snapshot.Meta.Dependencies[name].Downstream) > 0 {
			continue
		}
		terminal++
		switch doc.Status {
		case model.STATUS_DONE:
			done++
		case model.STATUS_FAILED:
			failed++
		case model.STATUS_CANCELLED:
			cancelled++
		}
	}
	switch {
	case terminal > 0 && done == terminal:
		return model.OVERALL_SUCCEEDED
	case failed > 0 && done == 0:
		return model.OVERALL_FAILED
	case terminal > 0 && cancelled == terminal:
		return model.OVERALL_CANCELLED
	default:
		return model.OVERALL_PARTIAL
	}
}

func (s *Service) releaseWorkers(workflowId string, preservePlannerLikeRoles bool) error {
	_, err := s.cp.Store().Update(persistence.MetaKey(workflowId), func(current []byte) ([]byte, error) {
		meta, err := s.metaEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		for state, workerId := range meta.TaskOwners {
			if preservePlannerLikeRoles && strings.HasPrefix(workerId, "planner") {
				continue
			}
			delete(meta.TaskOwners, state)
		}
		return s.metaEncDec.Encode(*meta)
	})
	return err
}
