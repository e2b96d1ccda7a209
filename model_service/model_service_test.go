package model_service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseStructuredResult(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantValue      string
		wantConfidence float64
	}{
		{
			name:           "clean json",
			raw:            `{"value": "product", "confidence": 0.92}`,
			wantValue:      "product",
			wantConfidence: 0.92,
		},
		{
			name:           "json wrapped in prose",
			raw:            "Here is my answer:\n```json\n{\"value\": \"supporting\", \"confidence\": 0.8}\n```",
			wantValue:      "supporting",
			wantConfidence: 0.8,
		},
		{
			name:           "confidence as string",
			raw:            `{"value": "index", "confidence": "0.75"}`,
			wantValue:      "index",
			wantConfidence: 0.75,
		},
		{
			name:           "missing confidence uses tier default",
			raw:            `{"value": "product"}`,
			wantValue:      "product",
			wantConfidence: 0.5,
		},
		{
			name:           "plain text falls back to default confidence",
			raw:            "product",
			wantValue:      "product",
			wantConfidence: 0.5,
		},
		{
			name:           "malformed json falls back to raw text",
			raw:            `{"value": `,
			wantValue:      `{"value":`,
			wantConfidence: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseStructuredResult(tt.raw, 0.5)
			if result.Value != tt.wantValue {
				t.Errorf("value = %q, want %q", result.Value, tt.wantValue)
			}
			if result.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %.2f, want %.2f", result.Confidence, tt.wantConfidence)
			}
			if result.CostUnits != 1 {
				t.Errorf("cost units = %.1f, want 1", result.CostUnits)
			}
		})
	}
}

func TestTierAnalyzeAppliesCostMultiplier(t *testing.T) {
	tier := Tier{
		Name:  "advanced",
		Index: 2,
		Service: &MockModelService{
			AnalyzeFunc: func(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error) {
				return TaskResult{Value: "product", Confidence: 0.9, CostUnits: 1}, nil
			},
		},
		CostMultiplier: 15,
	}

	result, err := tier.Analyze(context.Background(), TaskInput{TaskType: TaskChunkClassification})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CostUnits != 15 {
		t.Errorf("cost units = %.1f, want 15 after the tier multiplier", result.CostUnits)
	}
}

func TestTierAnalyzeTimeout(t *testing.T) {
	tier := Tier{
		Name: "slow",
		Service: &MockModelService{
			AnalyzeFunc: func(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error) {
				select {
				case <-time.After(time.Second):
					return TaskResult{Value: "late"}, nil
				case <-ctx.Done():
					return TaskResult{}, ctx.Err()
				}
			},
		},
		Timeout: 5 * time.Millisecond,
	}

	_, err := tier.Analyze(context.Background(), TaskInput{TaskType: TaskChunkClassification})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestBuildPromptRequestsStructuredAnswer(t *testing.T) {
	prompt := buildPrompt(TaskInput{
		TaskType: TaskChunkClassification,
		Content:  "NORDIKA TABLE solid oak",
	})
	for _, fragment := range []string{"product, supporting, administrative, transitional, index", `"confidence"`, "NORDIKA TABLE solid oak"} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("prompt missing %q:\n%s", fragment, prompt)
		}
	}
}
