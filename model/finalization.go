package model

import "time"

type OverallStatus string

const OVERALL_SUCCEEDED OverallStatus = "succeeded"
const OVERALL_FAILED OverallStatus = "failed"
const OVERALL_PARTIAL OverallStatus = "partial"
const OVERALL_CANCELLED OverallStatus = "cancelled"

// FinalizationRecord is the write-once audit record closing a workflow.
// A second Finalize call returns the stored record unchanged.
type FinalizationRecord struct {
	WorkflowId      string                  `json:"workflowId"`
	OverallStatus   OverallStatus           `json:"overallStatus"`
	PerStateSummary map[string]StateSummary `json:"perStateSummary"`
	FinalizedAt     time.Time               `json:"finalizedAt"`
	Note            string                  `json:"note,omitempty"`
}

type StateSummary struct {
	Status     StateStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"lastError,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}
