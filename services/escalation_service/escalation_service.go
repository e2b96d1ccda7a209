package escalation_service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/serisow/catalogpipe/model_service"
	"github.com/serisow/catalogpipe/pipeline_type"
)

// CallRecorder persists AnalysisCall audit records. Every invocation is
// recorded regardless of outcome.
type CallRecorder interface {
	RecordAnalysisCall(ctx context.Context, call pipeline_type.AnalysisCall) error
}

// FloorProvider supplies the per-task-type confidence floor.
type FloorProvider interface {
	ConfidenceFloor(taskType string) float64
}

// Outcome is the result of one escalation run.
type Outcome struct {
	Result    model_service.TaskResult
	TierName  string
	TierIndex int
	// Final is the outcome of the tier whose result was returned:
	// "used" when a tier met the floor, "fallback" when the chain was
	// exhausted and the best low-confidence result was kept.
	Final pipeline_type.CallOutcome
}

type Engine struct {
	chain    []model_service.Tier
	floors   FloorProvider
	recorder CallRecorder
	logger   *slog.Logger
}

func NewEngine(chain []model_service.Tier, floors FloorProvider, recorder CallRecorder, logger *slog.Logger) *Engine {
	return &Engine{
		chain:    chain,
		floors:   floors,
		recorder: recorder,
		logger:   logger,
	}
}

// Chain exposes the tier chain for the consensus validator, which fans
// out over the same tiers.
func (e *Engine) Chain() []model_service.Tier {
	return e.chain
}

// ExecuteWithEscalation walks the tier chain forward-only until a tier
// meets the task's confidence floor. A tier that fails outright is
// retried once on the same tier before advancing. When the chain is
// exhausted without meeting the floor the best result across all tiers
// is returned with outcome fallback; low confidence alone is never an
// error.
func (e *Engine) ExecuteWithEscalation(ctx context.Context, docID string, stage pipeline_type.Stage, input model_service.TaskInput) (Outcome, error) {
	if len(e.chain) == 0 {
		return Outcome{}, fmt.Errorf("no tiers configured")
	}
	floor := e.floors.ConfidenceFloor(input.TaskType)

	var best Outcome
	var haveResult bool

	for i, tier := range e.chain {
		result, latency, err := e.invokeWithRetry(ctx, tier, input)
		if err != nil {
			e.record(ctx, docID, stage, input, tier, 0, tier.CostMultiplier, latency, pipeline_type.OutcomeRejected)
			e.logger.Warn("Tier failed after retry, advancing",
				slog.String("task_type", input.TaskType),
				slog.String("tier", tier.Name),
				slog.String("error", err.Error()))
			continue
		}

		if result.Confidence >= floor {
			e.record(ctx, docID, stage, input, tier, result.Confidence, result.CostUnits, latency, pipeline_type.OutcomeUsed)
			return Outcome{Result: result, TierName: tier.Name, TierIndex: tier.Index, Final: pipeline_type.OutcomeUsed}, nil
		}

		last := i == len(e.chain)-1
		if !haveResult || result.Confidence > best.Result.Confidence {
			best = Outcome{Result: result, TierName: tier.Name, TierIndex: tier.Index}
			haveResult = true
		}
		if last {
			e.record(ctx, docID, stage, input, tier, result.Confidence, result.CostUnits, latency, pipeline_type.OutcomeFallback)
		} else {
			e.record(ctx, docID, stage, input, tier, result.Confidence, result.CostUnits, latency, pipeline_type.OutcomeEscalated)
		}
	}

	if !haveResult {
		return Outcome{}, fmt.Errorf("all tiers failed for task %s: %w", input.TaskType, pipeline_type.ErrTransientCall)
	}
	best.Final = pipeline_type.OutcomeFallback
	return best, nil
}

// invokeWithRetry calls one tier, retrying once on a hard failure. A
// timeout counts as a hard failure, not a low-confidence result.
func (e *Engine) invokeWithRetry(ctx context.Context, tier model_service.Tier, input model_service.TaskInput) (model_service.TaskResult, int64, error) {
	start := time.Now()
	result, err := tier.Analyze(ctx, input)
	if err == nil {
		return result, time.Since(start).Milliseconds(), nil
	}
	if ctx.Err() != nil {
		return model_service.TaskResult{}, time.Since(start).Milliseconds(), ctx.Err()
	}

	e.logger.Warn("Tier invocation failed, retrying once on same tier",
		slog.String("tier", tier.Name),
		slog.String("error", err.Error()))
	result, err = tier.Analyze(ctx, input)
	return result, time.Since(start).Milliseconds(), err
}

func (e *Engine) record(ctx context.Context, docID string, stage pipeline_type.Stage, input model_service.TaskInput, tier model_service.Tier, confidence, costUnits float64, latencyMs int64, outcome pipeline_type.CallOutcome) {
	call := pipeline_type.AnalysisCall{
		ID:         uuid.New().String(),
		DocumentID: docID,
		Stage:      stage,
		TaskType:   input.TaskType,
		TierName:   tier.Name,
		TierIndex:  tier.Index,
		InputRef:   input.EntityID,
		Confidence: confidence,
		CostUnits:  costUnits,
		LatencyMs:  latencyMs,
		Outcome:    outcome,
		CreatedAt:  time.Now(),
	}
	if err := e.recorder.RecordAnalysisCall(ctx, call); err != nil {
		e.logger.Error("Failed to record analysis call",
			slog.String("task_type", input.TaskType),
			slog.String("error", err.Error()))
	}
}
