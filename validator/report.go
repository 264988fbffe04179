package validator

import (
	"fmt"
	"strings"
)

type Category string

const CATEGORY_SCHEMA Category = "schema"
const CATEGORY_IMPORT Category = "import"
const CATEGORY_REFERENCE Category = "reference"
const CATEGORY_GRAPH Category = "graph"

// One stable code per category so callers can tell "fix the JSON" from
// "fix the graph" from "fix an import path" without parsing messages.
const CODE_SCHEMA string = "ERR_SCHEMA"
const CODE_IMPORT string = "ERR_IMPORT"
const CODE_REFERENCE string = "ERR_REFERENCE"
const CODE_GRAPH string = "ERR_GRAPH"

type Issue struct {
	Category Category `json:"category"`
	Code     string   `json:"code"`
	State    string   `json:"state,omitempty"`
	Ref      string   `json:"ref,omitempty"`
	Message  string   `json:"message"`
}

// Report collects every issue across all four categories before
// returning; a failing category never short-circuits the later ones.
type Report struct {
	Issues []Issue `json:"issues"`
}

func (r *Report) add(cat Category, code string, state string, ref string, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Category: cat,
		Code:     code,
		State:    state,
		Ref:      ref,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (r *Report) OK() bool {
	return len(r.Issues) == 0
}

func (r *Report) ByCategory(cat Category) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Category == cat {
			out = append(out, issue)
		}
	}
	return out
}

func (r *Report) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("workflow validation failed with %d issue(s)", len(r.Issues)))
	for _, issue := range r.Issues {
		sb.WriteString(fmt.Sprintf("; [%s] %s", issue.Code, issue.Message))
	}
	return sb.String()
}
