package worker

import (
	"context"
	"sync"
)

// Task is what an Executor receives: resolved parameters plus the
// capability identifiers the runtime loaded around this call.
type Task struct {
	WorkflowId   string
	State        string
	Attempt      int
	Params       map[string]any
	Capabilities []string
	Upstream     map[string]map[string]any
}

// Executor runs the actual unit of work for a Task state. The context is
// cancelled the moment the lease heartbeat fails; implementations must
// stop promptly and must not commit external side effects afterwards.
type Executor interface {
	Execute(ctx context.Context, task Task) (map[string]any, error)
}

type ExecutorFunc func(ctx context.Context, task Task) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (map[string]any, error) {
	return f(ctx, task)
}

// EchoExecutor is the default binding: it reflects the resolved
// parameters back as output. Useful for wiring tests and Pass-like tasks.
var EchoExecutor = ExecutorFunc(func(ctx context.Context, task Task) (map[string]any, error) {
	return task.Params, nil
})

// Executors maps ownerTemplateRef to the executor registered for it.
type Executors struct {
	mu       sync.RWMutex
	byRef    map[string]Executor
	fallback Executor
}

func NewExecutors() *Executors {
	return &Executors{
		byRef:    make(map[string]Executor),
		fallback: EchoExecutor,
	}
}

func (e *Executors) Register(templateRef string, ex Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byRef[templateRef] = ex
}

func (e *Executors) Get(templateRef string) Executor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ex, ok := e.byRef[templateRef]; ok {
		return ex
	}
	return e.fallback
}

// CapabilityLoader is the external collaborator that attaches runtime
// capabilities around the execute step. The engine only passes
// identifiers through.
type CapabilityLoader interface {
	Load(ids []string) error
	Unload(ids []string)
}

type noopLoader struct{}

func (noopLoader) Load(ids []string) error { return nil }
func (noopLoader) Unload(ids []string)     {}

func NoopLoader() CapabilityLoader {
	return noopLoader{}
}
