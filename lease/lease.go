package lease

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/choirhq/choir/controlplane"
	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/util"
	"go.uber.org/zap"
)

// DenyReason codes are result values, not errors: contention is routine
// control flow for concurrent acquirers.
type DenyReason string

const DENIED_NOT_READY DenyReason = "not_ready"
const DENIED_OWNER_MISMATCH DenyReason = "owner_mismatch"
const DENIED_HELD_BY_OTHER DenyReason = "held_by_other"
const DENIED_EXPIRED_HELD DenyReason = "expired_held"
const DENIED_TERMINAL DenyReason = "terminal"
const DENIED_TOKEN_MISMATCH DenyReason = "token_mismatch"
const DENIED_EXPIRED DenyReason = "expired"

type AcquireRequest struct {
	WorkflowId          string
	State               string
	OwnerId             string
	TTLSeconds          int
	RequireReady        bool
	RequireOwnerMatch   bool
	AllowStealIfExpired bool
}

type AcquireResult struct {
	Granted     bool
	AlreadyHeld bool
	Token       string
	Reason      DenyReason
}

type RenewResult struct {
	Renewed bool
	Reason  DenyReason
}

type ReleaseResult struct {
	Released bool
	Reason   DenyReason
}

// Manager hands out the per-task mutual-exclusion token. The whole
// check-then-write sequence runs inside one compare-and-swap on the state
// document: two racing acquirers can never both come away granted while a
// prior grant is still valid.
type Manager struct {
	cp                  *controlplane.Service
	setRunningOnAcquire bool
	stateEncDec         util.EncoderDecoder[model.StateDocument]
	metaEncDec          util.EncoderDecoder[model.ControlPlaneMeta]
}

func NewManager(cp *controlplane.Service, setRunningOnAcquire bool) *Manager {
	return &Manager{
		cp:                  cp,
		setRunningOnAcquire: setRunningOnAcquire,
		stateEncDec:         util.NewJsonEncoderDecoder[model.StateDocument](),
		metaEncDec:          util.NewJsonEncoderDecoder[model.ControlPlaneMeta](),
	}
}

func (m *Manager) Acquire(req AcquireRequest) (*AcquireResult, error) {
	// Readiness and owner assignment live in other documents so they are
	// checked up front; both only move monotonically (upstream terminal
	// statuses are immutable, owners are assign-once), which keeps the
	// pre-check sound without a cross-document transaction.
	if req.RequireReady {
		snapshot, err := m.cp.ReadControlPlane(req.WorkflowId, nil, true, true)
		if err != nil {
			return nil, err
		}
		if !snapshot.Readiness[req.State] {
			return &AcquireResult{Reason: DENIED_NOT_READY}, nil
		}
	}
	if req.RequireOwnerMatch {
		meta, err := m.cp.GetMeta(req.WorkflowId)
		if err != nil {
			return nil, err
		}
		if meta.TaskOwners[req.State] != req.OwnerId {
			return &AcquireResult{Reason: DENIED_OWNER_MISMATCH}, nil
		}
	}

	result := &AcquireResult{}
	_, err := m.cp.Store().Update(persistence.StateKey(req.WorkflowId, req.State), func(current []byte) ([]byte, error) {
		doc, err := m.stateEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		if doc.Status.IsTerminal() {
			result.Reason = DENIED_TERMINAL
			return nil, persistence.ErrAbortUpdate
		}
		if doc.Lease != nil && doc.Lease.Valid(now) {
			if doc.Lease.OwnerId == req.OwnerId {
				result.AlreadyHeld = true
				result.Token = doc.Lease.Token
				return nil, persistence.ErrAbortUpdate
			}
			result.Reason = DENIED_HELD_BY_OTHER
			return nil, persistence.ErrAbortUpdate
		}
		if doc.Lease != nil && !req.AllowStealIfExpired {
			result.Reason = DENIED_EXPIRED_HELD
			return nil, persistence.ErrAbortUpdate
		}
		doc.Lease = &model.Lease{
			Token:      uuid.New().String(),
			OwnerId:    req.OwnerId,
			AcquiredAt: now,
			TTLSeconds: req.TTLSeconds,
		}
		doc.Attempts++
		if m.setRunningOnAcquire {
			doc.Status = model.STATUS_RUNNING
			if doc.StartedAt == nil {
				doc.StartedAt = &now
			}
		}
		result.Granted = true
		result.Token = doc.Lease.Token
		return m.stateEncDec.Encode(*doc)
	})
	if err != nil && !errors.Is(err, persistence.ErrAbortUpdate) {
		return nil, err
	}
	if result.Granted {
		logger.Info("lease granted", zap.String("workflowId", req.WorkflowId), zap.String("state", req.State), zap.String("owner", req.OwnerId))
	} else {
		logger.Debug("lease not granted", zap.String("workflowId", req.WorkflowId), zap.String("state", req.State), zap.String("reason", string(result.Reason)))
	}
	return result, nil
}

// Renew extends the validity window. A failed renewal means ownership is
// gone: the caller must abort in-flight work rather than commit results.
func (m *Manager) Renew(workflowId string, state string, token string, ttlSeconds int, rejectIfExpired bool, touchOnly bool) (*RenewResult, error) {
	result := &RenewResult{}
	_, err := m.cp.Store().Update(persistence.StateKey(workflowId, state), func(current []byte) ([]byte, error) {
		doc, err := m.stateEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		if doc.Lease == nil || doc.Lease.Token != token {
			result.Reason = DENIED_TOKEN_MISMATCH
			return nil, persistence.ErrAbortUpdate
		}
		if rejectIfExpired && !doc.Lease.Valid(now) {
			result.Reason = DENIED_EXPIRED
			return nil, persistence.ErrAbortUpdate
		}
		doc.Lease.AcquiredAt = now
		doc.Lease.TTLSeconds = ttlSeconds
		if !touchOnly && m.setRunningOnAcquire {
			doc.Status = model.STATUS_RUNNING
		}
		result.Renewed = true
		return m.stateEncDec.Encode(*doc)
	})
	if err != nil && !errors.Is(err, persistence.ErrAbortUpdate) {
		return nil, err
	}
	return result, nil
}

// Release clears the lease when the token matches, unconditionally under
// force. Releasing an already-clear lease succeeds: callers retry after
// network hiccups and must not see that as a second failure.
func (m *Manager) Release(workflowId string, state string, token string, force bool, clearOwner bool) (*ReleaseResult, error) {
	result := &ReleaseResult{}
	_, err := m.cp.Store().Update(persistence.StateKey(workflowId, state), func(current []byte) ([]byte, error) {
		doc, err := m.stateEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		if doc.Lease == nil {
			result.Released = true
			return nil, persistence.ErrAbortUpdate
		}
		if doc.Lease.Token != token && !force {
			result.Reason = DENIED_TOKEN_MISMATCH
			return nil, persistence.ErrAbortUpdate
		}
		doc.Lease = nil
		result.Released = true
		return m.stateEncDec.Encode(*doc)
	})
	if err != nil && !errors.Is(err, persistence.ErrAbortUpdate) {
		return nil, err
	}
	if result.Released && clearOwner {
		if err := m.clearOwner(workflowId, state); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (m *Manager) clearOwner(workflowId string, state string) error {
	_, err := m.cp.Store().Update(persistence.MetaKey(workflowId), func(current []byte) ([]byte, error) {
		meta, err := m.metaEncDec.Decode(current)
		if err != nil {
			return nil, err
		}
		delete(meta.TaskOwners, state)
		return m.metaEncDec.Encode(*meta)
	})
	return err
}
