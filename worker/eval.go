package worker

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/choirhq/choir/model"
)

// evalChoice walks a Choice state's branches in declared order and
// returns the first whose condition evaluates truthy. Conditions are
// javascript expressions over `$`, the merged upstream output document.
func evalChoice(def model.StateDef, data map[string]any) (string, error) {
	vm := goja.New()
	if err := vm.Set("$", data); err != nil {
		return "", err
	}
	for _, branch := range def.Choices {
		val, err := vm.RunString(branch.When)
		if err != nil {
			return "", fmt.Errorf("error evaluating choice condition %q: %w", branch.When, err)
		}
		if val.ToBoolean() {
			return branch.Next, nil
		}
	}
	// fall through to the default transition when no branch matched
	if len(def.Next) > 0 {
		return def.Next[0], nil
	}
	return "", fmt.Errorf("no choice branch matched and no default transition declared")
}

// evalTransform runs a Pass state's expression and exports the result as
// the state's output document. An empty expression passes `$` through.
func evalTransform(expression string, data map[string]any) (map[string]any, error) {
	if expression == "" {
		return data, nil
	}
	vm := goja.New()
	if err := vm.Set("$", data); err != nil {
		return nil, err
	}
	val, err := vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("error evaluating transform %q: %w", expression, err)
	}
	exported := val.Export()
	if out, ok := exported.(map[string]any); ok {
		return out, nil
	}
	return map[string]any{"result": exported}, nil
}
