package consensus_service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serisow/catalogpipe/model_service"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/escalation_service"
)

// criticalTasks is the fixed allow-list of high-stakes task types that
// trade cost for certainty: every tier runs regardless of the first
// tier's confidence.
var criticalTasks = map[string]bool{
	model_service.TaskEntityNameExtraction: true,
	model_service.TaskChunkClassification:  true,
	model_service.TaskSafetyCompliance:     true,
	model_service.TaskStructuredSpecs:      true,
	model_service.TaskPricing:              true,
}

// IsCritical reports whether a task type must go through consensus
// validation instead of plain escalation.
func IsCritical(taskType string) bool {
	return criticalTasks[taskType]
}

type Candidate struct {
	TierName   string                   `json:"tier_name"`
	TierIndex  int                      `json:"tier_index"`
	Result     model_service.TaskResult `json:"-"`
	Value      string                   `json:"value"`
	Confidence float64                  `json:"confidence"`
}

// Decision is the reconciled output of a consensus run.
type Decision struct {
	Value      string
	Agreement  float64
	Method     string // "majority", "weighted" or "indeterminate"
	Candidates []Candidate
	// NeedsReview is set when agreement fell below the automatic
	// decision threshold; all candidates are surfaced for a human.
	NeedsReview bool
}

type Validator struct {
	chain    []model_service.Tier
	recorder escalation_service.CallRecorder
	logger   *slog.Logger
	// MinTiers is the minimum number of tiers fanned out in parallel.
	MinTiers int
}

func NewValidator(chain []model_service.Tier, recorder escalation_service.CallRecorder, logger *slog.Logger) *Validator {
	return &Validator{
		chain:    chain,
		recorder: recorder,
		logger:   logger,
		MinTiers: 2,
	}
}

// Validate runs the tier chain in parallel and reconciles the outputs.
// Agreement >= 0.8 decides by majority vote; agreement in [0.5, 0.8)
// decides by reliability-weighted vote; below 0.5 no automatic decision
// is made and the item is flagged for human review.
func (v *Validator) Validate(ctx context.Context, docID string, stage pipeline_type.Stage, input model_service.TaskInput) (Decision, error) {
	if len(v.chain) < v.MinTiers {
		return Decision{}, fmt.Errorf("consensus requires at least %d tiers, have %d", v.MinTiers, len(v.chain))
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	candidates := make([]Candidate, 0, len(v.chain))

	for _, tier := range v.chain {
		wg.Add(1)
		go func(tier model_service.Tier) {
			defer wg.Done()
			start := time.Now()
			result, err := tier.Analyze(ctx, input)
			latency := time.Since(start).Milliseconds()
			if err != nil {
				v.logger.Warn("Consensus tier failed",
					slog.String("task_type", input.TaskType),
					slog.String("tier", tier.Name),
					slog.String("error", err.Error()))
				v.record(ctx, docID, stage, input, tier, 0, tier.CostMultiplier, latency, pipeline_type.OutcomeRejected)
				return
			}
			mu.Lock()
			candidates = append(candidates, Candidate{
				TierName:   tier.Name,
				TierIndex:  tier.Index,
				Result:     result,
				Value:      result.Value,
				Confidence: result.Confidence,
			})
			mu.Unlock()
			v.record(ctx, docID, stage, input, tier, result.Confidence, result.CostUnits, latency, pipeline_type.OutcomeUsed)
		}(tier)
	}
	wg.Wait()

	if len(candidates) < v.MinTiers {
		return Decision{}, fmt.Errorf("only %d of %d consensus tiers succeeded for task %s: %w",
			len(candidates), len(v.chain), input.TaskType, pipeline_type.ErrTransientCall)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].TierIndex < candidates[j].TierIndex })
	return v.decide(input, candidates), nil
}

// decide reconciles candidate outputs into a decision.
func (v *Validator) decide(input model_service.TaskInput, candidates []Candidate) Decision {
	groups := make(map[string][]Candidate)
	for _, c := range candidates {
		groups[normalize(c.Value)] = append(groups[normalize(c.Value)], c)
	}

	var largest []Candidate
	for _, group := range groups {
		if len(group) > len(largest) {
			largest = group
		}
	}
	agreement := float64(len(largest)) / float64(len(candidates))

	decision := Decision{Agreement: agreement, Candidates: candidates}
	switch {
	case agreement >= 0.8:
		decision.Method = "majority"
		decision.Value = largest[0].Value
	case agreement >= 0.5:
		decision.Method = "weighted"
		decision.Value = v.weightedVote(groups)
	default:
		decision.Method = "indeterminate"
		decision.NeedsReview = true
		v.logger.Warn("Consensus indeterminate, flagging for human review",
			slog.String("task_type", input.TaskType),
			slog.String("input_ref", input.EntityID),
			slog.Float64("agreement", agreement))
	}
	return decision
}

// weightedVote picks the group with the highest summed tier reliability
// weight, so higher-tier models count for more. Ties break toward the
// group containing the highest single tier.
func (v *Validator) weightedVote(groups map[string][]Candidate) string {
	weights := make(map[int]float64, len(v.chain))
	for _, tier := range v.chain {
		weights[tier.Index] = tier.ReliabilityWeight
	}

	var bestValue string
	var bestWeight float64
	var bestTopTier int = -1
	for _, group := range groups {
		var weight float64
		topTier := -1
		for _, c := range group {
			weight += weights[c.TierIndex]
			if c.TierIndex > topTier {
				topTier = c.TierIndex
			}
		}
		if weight > bestWeight || (weight == bestWeight && topTier > bestTopTier) {
			bestWeight = weight
			bestTopTier = topTier
			bestValue = group[0].Value
		}
	}
	return bestValue
}

// normalize makes output comparison case- and whitespace-insensitive.
func normalize(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

func (v *Validator) record(ctx context.Context, docID string, stage pipeline_type.Stage, input model_service.TaskInput, tier model_service.Tier, confidence, costUnits float64, latencyMs int64, outcome pipeline_type.CallOutcome) {
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
	if err := v.recorder.RecordAnalysisCall(ctx, call); err != nil {
		v.logger.Error("Failed to record analysis call",
			slog.String("task_type", input.TaskType),
			slog.String("error", err.Error()))
	}
}
