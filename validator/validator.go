package validator

import (
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/util"
)

// Validator turns a raw WorkflowDefinition into a validated WorkflowGraph.
// All four categories are evaluated in order but collected together, so a
// single run reports everything that is wrong with the submission.
type Validator struct {
	resolver ImportResolver
}

func NewValidator(resolver ImportResolver) *Validator {
	return &Validator{
		resolver: resolver,
	}
}

func (v *Validator) Validate(def model.WorkflowDefinition) (*model.WorkflowGraph, *Report) {
	report := &Report{}

	v.checkSchema(def, report)
	templates, capabilities := v.resolveImports(def, report)
	v.checkReferences(def, templates, capabilities, report)
	edges := deriveEdges(def)
	v.checkGraph(def, edges, report)

	if !report.OK() {
		return nil, report
	}

	graph := &model.WorkflowGraph{
		Name:         def.Name,
		Version:      def.Version,
		StartState:   def.StartState,
		States:       def.States,
		Dependencies: buildDependencies(def, edges),
		Templates:    templates,
		Capabilities: capabilities,
	}
	return graph, report
}

func (v *Validator) checkSchema(def model.WorkflowDefinition, report *Report) {
	if def.Name == "" {
		report.add(CATEGORY_SCHEMA, CODE_SCHEMA, "", "", "workflow name is required")
	}
	if def.Version == "" {
		report.add(CATEGORY_SCHEMA, CODE_SCHEMA, "", "", "workflow version is required")
	}
	if def.StartState == "" {
		report.add(CATEGORY_SCHEMA, CODE_SCHEMA, "", "", "startState is required")
	}
	if len(def.States) == 0 {
		report.add(CATEGORY_SCHEMA, CODE_SCHEMA, "", "", "workflow declares no states")
		return
	}
	if def.StartState != "" {
		if _, ok := def.States[def.StartState]; !ok {
			report.add(CATEGORY_SCHEMA, CODE_SCHEMA, def.StartState, "", "startState %s is not a declared state", def.StartState)
		}
	}
	for _, imp := range def.Imports {
		if imp.Kind != IMPORT_KIND_TEMPLATE && imp.Kind != IMPORT_KIND_CAPABILITY {
			report.add(CATEGORY_SCHEMA, CODE_SCHEMA, "", imp.Ref, "unknown import kind %s", imp.Kind)
		}
		if imp.Ref == "" {
			report.add(CATEGORY_SCHEMA, CODE_SCHEMA, "", "", "import with kind %s has empty ref", imp.Kind)
		}
	}
	for name, state := range def.States {
		if model.ToStateType(string(state.Type)) == model.StateType("") {
			report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "state %s has unknown type %s", name, state.Type)
			continue
		}
		switch state.Type {
		case model.STATE_TYPE_TASK:
			if state.OwnerTemplateRef == "" {
				report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "task state %s has no ownerTemplateRef", name)
			}
		case model.STATE_TYPE_CHOICE:
			if len(state.Choices) == 0 {
				report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "choice state %s declares no branches", name)
			}
			for _, branch := range state.Choices {
				if branch.When == "" {
					report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "choice state %s has a branch with empty condition", name)
				}
			}
		case model.STATE_TYPE_PARALLEL:
			if len(state.Branches) < 2 {
				report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "parallel state %s needs at least two branches", name)
			}
			for i, branch := range state.Branches {
				if len(branch) == 0 {
					report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "parallel state %s branch %d is empty", name, i)
				}
			}
		case model.STATE_TYPE_WAIT:
			if state.DelaySeconds <= 0 {
				report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "wait state %s needs a positive delaySeconds", name)
			}
		case model.STATE_TYPE_SUCCEED, model.STATE_TYPE_FAIL:
			if len(state.Next) > 0 {
				report.add(CATEGORY_SCHEMA, CODE_SCHEMA, name, "", "%s state %s must not declare transitions", state.Type, name)
			}
		}
	}
}

func (v *Validator) resolveImports(def model.WorkflowDefinition, report *Report) (map[string]model.AgentTemplate, map[string]model.CapabilityManifest) {
	templates := make(map[string]model.AgentTemplate)
	capabilities := make(map[string]model.CapabilityManifest)
	for _, imp := range def.Imports {
		switch imp.Kind {
		case IMPORT_KIND_TEMPLATE:
			tpl, err := v.resolver.ResolveTemplate(imp.Ref)
			if err != nil {
				report.add(CATEGORY_IMPORT, CODE_IMPORT, "", imp.Ref, "agent template %s did not resolve: %v", imp.Ref, err)
				continue
			}
			templates[tpl.Name] = *tpl
		case IMPORT_KIND_CAPABILITY:
			manifest, err := v.resolver.ResolveCapability(imp.Ref)
			if err != nil {
				report.add(CATEGORY_IMPORT, CODE_IMPORT, "", imp.Ref, "capability manifest %s did not resolve: %v", imp.Ref, err)
				continue
			}
			capabilities[manifest.Id] = *manifest
		}
	}
	return templates, capabilities
}

func (v *Validator) checkReferences(def model.WorkflowDefinition, templates map[string]model.AgentTemplate, capabilities map[string]model.CapabilityManifest, report *Report) {
	provided := make([]string, 0, len(capabilities))
	for id, manifest := range capabilities {
		provided = append(provided, id)
		provided = append(provided, manifest.Provides...)
	}
	for name, state := range def.States {
		if state.Type != model.STATE_TYPE_TASK {
			continue
		}
		if state.OwnerTemplateRef != "" {
			if _, ok := templates[state.OwnerTemplateRef]; !ok {
				report.add(CATEGORY_REFERENCE, CODE_REFERENCE, name, state.OwnerTemplateRef, "state %s binds unresolved agent template %s", name, state.OwnerTemplateRef)
			}
		}
		for _, capId := range state.RequiredCapabilities {
			if !util.Contains(provided, capId) {
				report.add(CATEGORY_REFERENCE, CODE_REFERENCE, name, capId, "state %s requires capability %s which no imported manifest provides", name, capId)
			}
		}
	}
}

func (v *Validator) checkGraph(def model.WorkflowDefinition, edges map[string][]string, report *Report) {
	if len(def.States) == 0 || def.StartState == "" {
		return
	}
	if _, ok := def.States[def.StartState]; !ok {
		return
	}

	for name, targets := range edges {
		for _, target := range targets {
			if _, ok := def.States[target]; !ok {
				report.add(CATEGORY_GRAPH, CODE_GRAPH, name, target, "state %s transitions to undeclared state %s", name, target)
			}
		}
	}

	reachable := reach(def.StartState, edges)
	for name := range def.States {
		if !reachable[name] {
			report.add(CATEGORY_GRAPH, CODE_GRAPH, name, "", "state %s is unreachable from %s", name, def.StartState)
		}
	}

	if cycle := findCycle(def.StartState, edges); len(cycle) > 0 {
		report.add(CATEGORY_GRAPH, CODE_GRAPH, cycle[0], "", "graph contains a cycle through %v", cycle)
	}

	for name, state := range def.States {
		terminal := state.IsTerminal || state.End ||
			state.Type == model.STATE_TYPE_SUCCEED || state.Type == model.STATE_TYPE_FAIL
		out := edges[name]
		if !terminal && len(out) == 0 {
			report.add(CATEGORY_GRAPH, CODE_GRAPH, name, "", "non-terminal state %s has no outgoing transition", name)
		}
		if terminal && len(out) > 0 {
			report.add(CATEGORY_GRAPH, CODE_GRAPH, name, "", "terminal state %s has outgoing transitions", name)
		}
	}
}

// deriveEdges flattens every transition kind into a plain downstream edge
// list: Next, choice branches, and parallel branch chains including the
// branch-tail joins onto the parallel state's Next.
func deriveEdges(def model.WorkflowDefinition) map[string][]string {
	edges := make(map[string][]string)
	for name, state := range def.States {
		var out []string
		switch state.Type {
		case model.STATE_TYPE_CHOICE:
			for _, branch := range state.Choices {
				out = append(out, branch.Next)
			}
			out = append(out, state.Next...)
		case model.STATE_TYPE_PARALLEL:
			for _, branch := range state.Branches {
				if len(branch) == 0 {
					continue
				}
				out = append(out, branch[0])
				for i := 0; i < len(branch)-1; i++ {
					edges[branch[i]] = append(edges[branch[i]], branch[i+1])
				}
				for _, join := range state.Next {
					edges[branch[len(branch)-1]] = append(edges[branch[len(branch)-1]], join)
				}
			}
		default:
			out = append(out, state.Next...)
		}
		edges[name] = append(edges[name], out...)
	}
	for name := range edges {
		edges[name] = util.Dedup(edges[name])
	}
	return edges
}

func buildDependencies(def model.WorkflowDefinition, edges map[string][]string) map[string]model.Dependency {
	deps := make(map[string]model.Dependency)
	for name := range def.States {
		deps[name] = model.Dependency{}
	}
	for name, targets := range edges {
		for _, target := range targets {
			src := deps[name]
			src.Downstream = append(src.Downstream, target)
			deps[name] = src
			dst := deps[target]
			dst.Upstream = append(dst.Upstream, name)
			deps[target] = dst
		}
	}
	return deps
}

func reach(start string, edges map[string][]string) map[string]bool {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, edges[cur]...)
	}
	return visited
}

// findCycle runs a colored depth first search and returns the members of
// the first back edge's path, empty if the graph is acyclic.
func findCycle(start string, edges map[string][]string) []string {
	const white, grey, black = 0, 1, 2
	color := make(map[string]int)
	var path []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = grey
		path = append(path, node)
		for _, next := range edges[node] {
			if color[next] == grey {
				for i, p := range path {
					if p == next {
						cycle = append(cycle, path[i:]...)
						break
					}
				}
				return true
			}
			if color[next] == white && visit(next) {
				return true
			}
		}
		color[node] = black
		path = path[:len(path)-1]
		return false
	}
	visit(start)
	return cycle
}
