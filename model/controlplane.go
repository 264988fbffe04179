package model

import "time"

type StateStatus string

const STATUS_PENDING StateStatus = "pending"
const STATUS_RUNNING StateStatus = "running"
const STATUS_DONE StateStatus = "done"
const STATUS_FAILED StateStatus = "failed"
const STATUS_CANCELLED StateStatus = "cancelled"

func (s StateStatus) IsTerminal() bool {
	return s == STATUS_DONE || s == STATUS_FAILED || s == STATUS_CANCELLED
}

// ControlPlaneMeta is the per-workflow metadata document. Created once,
// read-mostly afterwards; the only mutation it ever sees is owner
// assignment through the registry.
type ControlPlaneMeta struct {
	WorkflowId           string                `json:"workflowId"`
	WorkflowName         string                `json:"workflowName"`
	Version              string                `json:"version"`
	States               []string              `json:"states"`
	Dependencies         map[string]Dependency `json:"dependencies"`
	TaskOwners           map[string]string     `json:"taskOwners"`
	RequiredCapabilities map[string][]string   `json:"requiredCapabilities"`
	CreatedAt            time.Time             `json:"createdAt"`
}

type Lease struct {
	Token      string    `json:"token"`
	OwnerId    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLSeconds int       `json:"ttlSeconds"`
}

// Valid reports whether the lease window still covers now. A nil lease is
// never valid.
func (l *Lease) Valid(now time.Time) bool {
	if l == nil {
		return false
	}
	return now.Before(l.AcquiredAt.Add(time.Duration(l.TTLSeconds) * time.Second))
}

// StateDocument is the per-task state document, the unit of atomicity for
// the whole engine. Invariant: Lease != nil implies Status == running.
type StateDocument struct {
	WorkflowId string      `json:"workflowId"`
	State      string      `json:"state"`
	Status     StateStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	Lease      *Lease      `json:"lease"`
	StartedAt  *time.Time  `json:"startedAt"`
	FinishedAt *time.Time  `json:"finishedAt"`
	LastError  string      `json:"lastError,omitempty"`
}

// DataPlaneOutput is opaque to the control plane; it exists so workers can
// hand results to downstream tasks without the engine interpreting them.
type DataPlaneOutput struct {
	WorkflowId string         `json:"workflowId"`
	State      string         `json:"state"`
	Attempt    int            `json:"attempt"`
	Data       map[string]any `json:"data"`
	WrittenAt  time.Time      `json:"writtenAt"`
}

// ControlPlaneSnapshot is what ReadControlPlane returns: the requested
// state documents plus optional meta and derived readiness.
type ControlPlaneSnapshot struct {
	Meta      *ControlPlaneMeta        `json:"meta,omitempty"`
	States    map[string]StateDocument `json:"states"`
	Readiness map[string]bool          `json:"readiness,omitempty"`
}
