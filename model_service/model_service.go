package model_service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Task types routed through the tier chain.
const (
	TaskChunkClassification  = "chunk_classification"
	TaskEntityNameExtraction = "entity_name_extraction"
	TaskSafetyCompliance     = "safety_compliance"
	TaskStructuredSpecs      = "structured_specs"
	TaskPricing              = "pricing"
	TaskAttributeExtraction  = "attribute_extraction"
)

type TaskInput struct {
	TaskType string
	Content  string
	// EntityID references the chunk/image/product that triggered the task.
	EntityID string
}

type TaskResult struct {
	Value      string
	Confidence float64
	CostUnits  float64
}

type ModelService interface {
	Analyze(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error)
}

// Tier is one model/cost level in the escalation chain.
type Tier struct {
	Name              string
	Index             int
	Service           ModelService
	Config            map[string]interface{}
	CostMultiplier    float64
	ReliabilityWeight float64
	// DefaultConfidence is used when the model output carries no
	// confidence field of its own.
	DefaultConfidence float64
	Timeout           time.Duration
}

// Analyze invokes the tier's service under the tier timeout and applies
// the tier cost multiplier to the returned cost units.
func (t Tier) Analyze(ctx context.Context, input TaskInput) (TaskResult, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	result, err := t.Service.Analyze(ctx, t.Config, input)
	if err != nil {
		return TaskResult{}, err
	}
	result.CostUnits *= t.CostMultiplier
	return result, nil
}

// structuredAnswer is the JSON shape the prompts request from the model.
type structuredAnswer struct {
	Value      string      `json:"value"`
	Confidence interface{} `json:"confidence"`
}

// parseStructuredResult extracts {value, confidence} from the raw model
// output. Models occasionally wrap the JSON in prose or code fences, so
// the first balanced object is located before decoding. When no
// confidence can be parsed the tier default applies.
func parseStructuredResult(raw string, defaultConfidence float64) TaskResult {
	trimmed := strings.TrimSpace(raw)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			var answer structuredAnswer
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &answer); err == nil && answer.Value != "" {
				return TaskResult{
					Value:      answer.Value,
					Confidence: safeParseFloat(answer.Confidence, defaultConfidence),
					CostUnits:  1,
				}
			}
		}
	}
	return TaskResult{Value: trimmed, Confidence: defaultConfidence, CostUnits: 1}
}

// buildPrompt renders the task instruction sent to every provider.
func buildPrompt(input TaskInput) string {
	var b strings.Builder
	switch input.TaskType {
	case TaskChunkClassification:
		b.WriteString("Classify the following catalog text span as one of: product, supporting, administrative, transitional, index.")
	case TaskEntityNameExtraction:
		b.WriteString("Extract the product or entity name from the following catalog text.")
	case TaskSafetyCompliance:
		b.WriteString("Extract safety and compliance attributes from the following catalog text.")
	case TaskStructuredSpecs:
		b.WriteString("Extract structured technical specifications from the following catalog text.")
	case TaskPricing:
		b.WriteString("Extract pricing information from the following catalog text.")
	case TaskAttributeExtraction:
		b.WriteString("Extract key attributes (name, code, dimensions, materials) from the following catalog text.")
	default:
		b.WriteString("Analyze the following catalog text for task ")
		b.WriteString(input.TaskType)
		b.WriteString(".")
	}
	b.WriteString(" Respond with JSON: {\"value\": \"...\", \"confidence\": 0.0-1.0}.\n\n")
	b.WriteString(input.Content)
	return b.String()
}

// Helper function to safely parse float values from loosely typed config
// and model output.
func safeParseFloat(value interface{}, defaultValue float64) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if parsed, err := v.Float64(); err == nil {
			return parsed
		}
	}
	return defaultValue
}
