package persistence

import "fmt"

const META_KEY string = "META"
const STATE_KEY string = "STATE"
const OUTPUT_KEY string = "OUTPUT"
const FINAL_KEY string = "FINAL"
const WORKFLOW_DEF string = "WORKFLOW"

func MetaKey(workflowId string) string {
	return fmt.Sprintf("%s:%s", META_KEY, workflowId)
}

func StateKey(workflowId string, state string) string {
	return fmt.Sprintf("%s:%s:%s", STATE_KEY, workflowId, state)
}

func OutputKey(workflowId string, state string) string {
	return fmt.Sprintf("%s:%s:%s", OUTPUT_KEY, workflowId, state)
}

func FinalKey(workflowId string) string {
	return fmt.Sprintf("%s:%s", FINAL_KEY, workflowId)
}

func WorkflowDefKey(name string, version string) string {
	return fmt.Sprintf("%s:%s:%s", WORKFLOW_DEF, name, version)
}
