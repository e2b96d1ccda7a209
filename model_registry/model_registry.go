package model_registry

import (
	"fmt"
	"time"

	"github.com/serisow/catalogpipe/model_service"
)

// TierSpec describes one tier of the escalation chain before the named
// service is resolved against the registry.
type TierSpec struct {
	Name              string
	ServiceName       string
	Config            map[string]interface{}
	CostMultiplier    float64
	ReliabilityWeight float64
	DefaultConfidence float64
	Timeout           time.Duration
}

type ModelRegistry struct {
	services map[string]model_service.ModelService
	floors   map[string]float64
	// defaultFloor applies to task types with no configured floor.
	defaultFloor float64
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		services:     make(map[string]model_service.ModelService),
		floors:       make(map[string]float64),
		defaultFloor: 0.70,
	}
}

// RegisterModelService registers a new model service
func (r *ModelRegistry) RegisterModelService(name string, service model_service.ModelService) {
	r.services[name] = service
}

// GetModelService returns a model service by name
func (r *ModelRegistry) GetModelService(name string) (model_service.ModelService, bool) {
	service, ok := r.services[name]
	return service, ok
}

// SetConfidenceFloor sets the minimum acceptable confidence for a task type.
func (r *ModelRegistry) SetConfidenceFloor(taskType string, floor float64) {
	r.floors[taskType] = floor
}

// ConfidenceFloor returns the configured floor for a task type, or the
// default when none is set.
func (r *ModelRegistry) ConfidenceFloor(taskType string) float64 {
	if floor, ok := r.floors[taskType]; ok {
		return floor
	}
	return r.defaultFloor
}

// BuildChain resolves tier specs into the ordered tier chain. Tier order
// in the slice is escalation order; indices are assigned here.
func (r *ModelRegistry) BuildChain(specs []TierSpec) ([]model_service.Tier, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("tier chain is empty")
	}
	chain := make([]model_service.Tier, 0, len(specs))
	for i, spec := range specs {
		service, ok := r.services[spec.ServiceName]
		if !ok {
			return nil, fmt.Errorf("unknown model service: %s", spec.ServiceName)
		}
		tier := model_service.Tier{
			Name:              spec.Name,
			Index:             i,
			Service:           service,
			Config:            spec.Config,
			CostMultiplier:    spec.CostMultiplier,
			ReliabilityWeight: spec.ReliabilityWeight,
			DefaultConfidence: spec.DefaultConfidence,
			Timeout:           spec.Timeout,
		}
		if tier.CostMultiplier <= 0 {
			tier.CostMultiplier = 1
		}
		if tier.ReliabilityWeight <= 0 {
			tier.ReliabilityWeight = 1
		}
		if tier.Timeout <= 0 {
			tier.Timeout = 30 * time.Second
		}
		chain = append(chain, tier)
	}
	return chain, nil
}
