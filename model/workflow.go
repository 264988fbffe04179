package model

type StateType string

const STATE_TYPE_TASK StateType = "TASK"
const STATE_TYPE_CHOICE StateType = "CHOICE"
const STATE_TYPE_PARALLEL StateType = "PARALLEL"
const STATE_TYPE_WAIT StateType = "WAIT"
const STATE_TYPE_PASS StateType = "PASS"
const STATE_TYPE_SUCCEED StateType = "SUCCEED"
const STATE_TYPE_FAIL StateType = "FAIL"

func ToStateType(s string) StateType {
	switch StateType(s) {
	case STATE_TYPE_TASK, STATE_TYPE_CHOICE, STATE_TYPE_PARALLEL,
		STATE_TYPE_WAIT, STATE_TYPE_PASS, STATE_TYPE_SUCCEED, STATE_TYPE_FAIL:
		return StateType(s)
	}
	return StateType("")
}

// WorkflowDefinition is the raw, planner-authored document submitted over
// the API. It is not executable until the validator resolves its imports
// and turns it into a WorkflowGraph.
type WorkflowDefinition struct {
	Name       string              `json:"name"`
	Version    string              `json:"version"`
	StartState string              `json:"startState"`
	States     map[string]StateDef `json:"states"`
	Imports    []ImportRef         `json:"imports,omitempty"`
	OnFailure  string              `json:"onFailure,omitempty"`
	OnSuccess  string              `json:"onSuccess,omitempty"`
}

type ImportRef struct {
	Kind string `json:"kind"` // "agent-template" or "capability-manifest"
	Ref  string `json:"ref"`  // path relative to the configured base dir
}

type StateDef struct {
	Type                 StateType      `json:"type"`
	Next                 []string       `json:"next,omitempty"`
	RequiredCapabilities []string       `json:"requiredCapabilities,omitempty"`
	OwnerTemplateRef     string         `json:"ownerTemplateRef,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Expression           string         `json:"expression,omitempty"`
	Choices              []ChoiceBranch `json:"choices,omitempty"`
	Branches             [][]string     `json:"branches,omitempty"`
	DelaySeconds         int            `json:"delaySeconds,omitempty"`
	IsTerminal           bool           `json:"isTerminal,omitempty"`
	End                  bool           `json:"end,omitempty"`
}

type ChoiceBranch struct {
	When string `json:"when"` // javascript expression over upstream output
	Next string `json:"next"`
}

// WorkflowGraph is the validated, import-resolved, immutable graph. Every
// reference inside it is guaranteed to resolve; the dependency map is
// derived once and copied into the control-plane meta document.
type WorkflowGraph struct {
	Id           string
	Name         string
	Version      string
	StartState   string
	States       map[string]StateDef
	Dependencies map[string]Dependency
	Templates    map[string]AgentTemplate
	Capabilities map[string]CapabilityManifest
}

type Dependency struct {
	Upstream   []string `json:"upstream"`
	Downstream []string `json:"downstream"`
}

// AgentTemplate is an imported executor identity template referenced by a
// Task state's ownerTemplateRef.
type AgentTemplate struct {
	Name         string         `json:"name" yaml:"name"`
	Runtime      string         `json:"runtime" yaml:"runtime"`
	Capabilities []string       `json:"capabilities" yaml:"capabilities"`
	Defaults     map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// CapabilityManifest declares a loadable runtime capability. The engine
// only matches identifiers; loading is the worker runtime's concern.
type CapabilityManifest struct {
	Id          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Provides    []string `json:"provides,omitempty" yaml:"provides,omitempty"`
}

func (g *WorkflowGraph) IsTerminal(state string) bool {
	def, ok := g.States[state]
	if !ok {
		return false
	}
	return def.IsTerminal || def.End ||
		def.Type == STATE_TYPE_SUCCEED || def.Type == STATE_TYPE_FAIL
}

// TerminalStates returns every state with no outgoing edge or explicitly
// marked terminal, in no particular order.
func (g *WorkflowGraph) TerminalStates() []string {
	var out []string
	for name := range g.States {
		if g.IsTerminal(name) {
			out = append(out, name)
		}
	}
	return out
}
