package controlplane

import (
	"errors"
	"sort"
	"time"

	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/util"
	"go.uber.org/zap"
)

// Service is the single mutation point for control-plane documents. Every
// write goes through the store's create-if-absent or compare-and-swap
// primitives; nothing here holds authoritative state in memory.
type Service struct {
	store       persistence.DocumentStore
	joinPolicy  config.JoinPolicy
	stateEncDec util.EncoderDecoder[model.StateDocument]
	metaEncDec  util.EncoderDecoder[model.ControlPlaneMeta]
}

func NewService(store persistence.DocumentStore, joinPolicy config.JoinPolicy) *Service {
	return &Service{
		store:       store,
		joinPolicy:  joinPolicy,
		stateEncDec: util.NewJsonEncoderDecoder[model.StateDocument](),
		metaEncDec:  util.NewJsonEncoderDecoder[model.ControlPlaneMeta](),
	}
}

func (s *Service) Store() persistence.DocumentStore {
	return s.store
}

func (s *Service) JoinPolicy() config.JoinPolicy {
	return s.joinPolicy
}

// CreateResult separates newly created documents from already existing
// ones so a second CreateControlPlane on the same workflow id is a safe
// no-op with an inspectable outcome.
type CreateResult struct {
	Created  []string
	Existing []string
}

func (s *Service) CreateControlPlane(graph *model.WorkflowGraph) (*CreateResult, error) {
	states := make([]string, 0, len(graph.States))
	for name := range graph.States {
		states = append(states, name)
	}
	sort.Strings(states)

	requiredCaps := make(map[string][]string)
	for name, def := range graph.States {
		if def.Type == model.STATE_TYPE_TASK {
			requiredCaps[name] = def.RequiredCapabilities
		}
	}
	meta := model.ControlPlaneMeta{
		WorkflowId:           graph.Id,
		WorkflowName:         graph.Name,
		Version:              graph.Version,
		States:               states,
		Dependencies:         graph.Dependencies,
		TaskOwners:           make(map[string]string),
		RequiredCapabilities: requiredCaps,
		CreatedAt:            time.Now().UTC(),
	}

	result := &CreateResult{}
	metaData, err := s.metaEncDec.Encode(meta)
	if err != nil {
		return nil, err
	}
	created, err := s.store.CreateIfAbsent(persistence.MetaKey(graph.Id), metaData)
	if err != nil {
		return nil, err
	}
	track(result, persistence.MetaKey(graph.Id), created)

	for _, name := range states {
		doc := model.StateDocument{
			WorkflowId: graph.Id,
			State:      name,
			Status:     model.STATUS_PENDING,
		}
		data, err := s.stateEncDec.Encode(doc)
		if err != nil {
			return nil, err
		}
		created, err := s.store.CreateIfAbsent(persistence.StateKey(graph.Id, name), data)
		if err != nil {
			return nil, err
		}
		track(result, persistence.StateKey(graph.Id, name), created)
	}
	logger.Info("control plane seeded", zap.String("workflowId", graph.Id),
		zap.Int("created", len(result.Created)), zap.Int("existing", len(result.Existing)))
	return result, nil
}

func track(result *CreateResult, key string, created bool) {
	if created {
		result.Created = append(result.Created, key)
	} else {
		result.Existing = append(result.Existing, key)
	}
}

func (s *Service) GetMeta(workflowId string) (*model.ControlPlaneMeta, error) {
	doc, err := s.store.Get(persistence.MetaKey(workflowId))
	if err != nil {
		return nil, err
	}
	return s.metaEncDec.Decode(doc.Data)
}

func (s *Service) GetState(workflowId string, state string) (*model.StateDocument, error) {
	doc, err := s.store.Get(persistence.StateKey(workflowId, state))
	if err != nil {
		return nil, err
	}
	return s.stateEncDec.Decode(doc.Data)
}

// ReadControlPlane returns the requested state documents (all when states
// is empty), optionally the meta document and a derived readiness map.
// Readiness always loads the full state set since upstream statuses feed
// the computation even when the caller asked for a subset.
func (s *Service) ReadControlPlane(workflowId string, states []string, includeMeta bool, computeReadiness bool) (*model.ControlPlaneSnapshot, error) {
	meta, err := s.GetMeta(workflowId)
	if err != nil {
		return nil, err
	}
	all := make(map[string]model.StateDocument, len(meta.States))
	for _, name := range meta.States {
		doc, err := s.GetState(workflowId, name)
		if err != nil {
			return nil, err
		}
		all[name] = *doc
	}

	snapshot := &model.ControlPlaneSnapshot{
		States: all,
	}
	if len(states) > 0 {
		subset := make(map[string]model.StateDocument, len(states))
		for _, name := range states {
			if doc, ok := all[name]; ok {
				subset[name] = doc
			}
		}
		snapshot.States = subset
	}
	if includeMeta {
		snapshot.Meta = meta
	}
	if computeReadiness {
		readiness := ReadinessMap(meta, all, s.joinPolicy)
		if len(states) > 0 {
			subset := make(map[string]bool, len(states))
			for _, name := range states {
				if r, ok := readiness[name]; ok {
					subset[name] = r
				}
			}
			readiness = subset
		}
		snapshot.Readiness = readiness
	}
	return snapshot, nil
}

// UpdateState is the only path that moves a state document's status. A
// transition into a terminal status demands the currently held valid
// lease token; force is reserved for administrative recovery.
func (s *Service) UpdateState(workflowId string, state string, leaseToken string, status model.StateStatus, output map[string]any, errorMessage string, force bool) error {
	var attempt int
	_, err := s.store.Update(persistence.StateKey(workflowId, state), func(current []byte) ([]byte, error) {
		doc, err := s.stateEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		if doc.Status.IsTerminal() && !force {
			return nil, TerminalStateError{State: state, Status: doc.Status}
		}
		if status.IsTerminal() && !force {
			// a stale token from an expired lease must not commit a
			// terminal status, the successor may already hold the state
			if doc.Lease == nil || doc.Lease.Token != leaseToken || !doc.Lease.Valid(now) {
				return nil, LeaseMismatchError{State: state}
			}
		}
		doc.Status = status
		switch {
		case status == model.STATUS_RUNNING && doc.StartedAt == nil:
			doc.StartedAt = &now
		case status.IsTerminal():
			doc.FinishedAt = &now
			// terminal write retires the lease in the same swap so the
			// lease-implies-running invariant holds for every reader
			doc.Lease = nil
		}
		if errorMessage != "" {
			doc.LastError = errorMessage
		}
		attempt = doc.Attempts
		return s.stateEncDec.Encode(*doc)
	})
	if err != nil {
		if errors.Is(err, persistence.ErrAbortUpdate) {
			logger.Debug("state update rejected", zap.String("workflowId", workflowId), zap.String("state", state), zap.Error(err))
		}
		return err
	}

	if output != nil && status == model.STATUS_DONE {
		if err := s.writeOutput(workflowId, state, attempt, output); err != nil {
			return err
		}
	}
	logger.Info("state updated", zap.String("workflowId", workflowId), zap.String("state", state), zap.String("status", string(status)))
	return nil
}

// writeOutput records the data-plane result document. The lease guarantees
// a single writer per attempt, so a plain Set suffices.
func (s *Service) writeOutput(workflowId string, state string, attempt int, output map[string]any) error {
	encDec := util.NewJsonEncoderDecoder[model.DataPlaneOutput]()
	data, err := encDec.Encode(model.DataPlaneOutput{
		WorkflowId: workflowId,
		State:      state,
		Attempt:    attempt,
		Data:       output,
		WrittenAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.store.Set(persistence.OutputKey(workflowId, state), data)
}

// GetOutput loads a task's data-plane output, nil when none was written.
func (s *Service) GetOutput(workflowId string, state string) (*model.DataPlaneOutput, error) {
	doc, err := s.store.Get(persistence.OutputKey(workflowId, state))
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	encDec := util.NewJsonEncoderDecoder[model.DataPlaneOutput]()
	return encDec.Decode(doc.Data)
}
