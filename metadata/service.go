package metadata

import (
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/validator"
)

// Service fronts definition storage with validation and a validated-graph
// cache. Definitions are read-mostly: workers fetch the same graph for
// every task of a workflow, so cache hits dominate.
type Service struct {
	storage   Storage
	validator *validator.Validator
	graphs    *c.Cache
}

func NewService(storage Storage, v *validator.Validator) *Service {
	return &Service{
		storage:   storage,
		validator: v,
		graphs:    c.New(c.NoExpiration, 10*time.Minute),
	}
}

// Submit validates and stores a definition. An invalid submission is
// never stored; the report comes back for the planner to repair.
func (s *Service) Submit(def model.WorkflowDefinition) (*model.WorkflowGraph, *validator.Report, error) {
	graph, report := s.validator.Validate(def)
	if !report.OK() {
		return nil, report, nil
	}
	if err := s.storage.SaveWorkflowDefinition(def); err != nil {
		return nil, nil, err
	}
	s.graphs.Set(graphCacheKey(def.Name, def.Version), graph, c.NoExpiration)
	return graph, report, nil
}

// GetGraph returns the validated graph for a stored definition,
// revalidating on cache miss.
func (s *Service) GetGraph(name string, version string) (*model.WorkflowGraph, error) {
	if cached, found := s.graphs.Get(graphCacheKey(name, version)); found {
		return cached.(*model.WorkflowGraph), nil
	}
	def, err := s.storage.GetWorkflowDefinition(name, version)
	if err != nil {
		return nil, err
	}
	graph, report := s.validator.Validate(*def)
	if !report.OK() {
		return nil, fmt.Errorf("stored definition %s/%s no longer validates: %w", name, version, report)
	}
	s.graphs.Set(graphCacheKey(name, version), graph, c.NoExpiration)
	return graph, nil
}

func (s *Service) Delete(name string, version string) error {
	s.graphs.Delete(graphCacheKey(name, version))
	return s.storage.DeleteWorkflowDefinition(name, version)
}

func graphCacheKey(name string, version string) string {
	return name + ":" + version
}
