package controlplane

import (
	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/model"
)

// ComputeReadiness derives the readiness of one state from its upstream
// set: every upstream entry must be done (JOIN_POLICY_ALL) or at least one
// of them (JOIN_POLICY_ANY). A state with no upstream is always ready.
func ComputeReadiness(meta *model.ControlPlaneMeta, states map[string]model.StateDocument, state string, policy config.JoinPolicy) bool {
	upstream := meta.Dependencies[state].Upstream
	if len(upstream) == 0 {
		return true
	}
	doneCount := 0
	for _, up := range upstream {
		if doc, ok := states[up]; ok && doc.Status == model.STATUS_DONE {
			doneCount++
		}
	}
	if policy == config.JOIN_POLICY_ANY {
		return doneCount > 0
	}
	return doneCount == len(upstream)
}

// ReadinessMap computes readiness for every state in the meta document.
func ReadinessMap(meta *model.ControlPlaneMeta, states map[string]model.StateDocument, policy config.JoinPolicy) map[string]bool {
	out := make(map[string]bool, len(meta.States))
	for _, name := range meta.States {
		out[name] = ComputeReadiness(meta, states, name, policy)
	}
	return out
}
