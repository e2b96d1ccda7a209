package model_service

import (
	"context"
)

type MockModelService struct {
	AnalyzeFunc func(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error)
}

func (m *MockModelService) Analyze(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, config, input)
	}
	return TaskResult{Value: "mock result", Confidence: 0.9, CostUnits: 1}, nil
}
