package model

import "time"

type NotifyReason string

const REASON_INITIAL NotifyReason = "initial"
const REASON_UPSTREAM_DONE NotifyReason = "upstream_done"
const REASON_RETRY NotifyReason = "retry"
const REASON_MANUAL NotifyReason = "manual"

// NotificationEnvelope is the ephemeral wake-up message handed to the
// notification transport. It is never persisted; receivers must re-derive
// readiness and lease state from the store rather than trusting it.
type NotificationEnvelope struct {
	WorkflowId  string       `json:"workflowId"`
	TargetState string       `json:"targetState"`
	SourceState string       `json:"sourceState,omitempty"`
	Reason      NotifyReason `json:"reason"`
	Timestamp   time.Time    `json:"timestamp"`
	MetaKey     string       `json:"metaKey"`
	StateKey    string       `json:"stateKey"`
}
