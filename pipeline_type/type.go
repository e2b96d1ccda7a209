package pipeline_type

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

type DocumentState string

const (
	DocumentReceived   DocumentState = "received"
	DocumentStaged     DocumentState = "staged"
	DocumentProcessing DocumentState = "processing"
	DocumentCompleted  DocumentState = "completed"
	DocumentFailed     DocumentState = "failed"
)

type Stage string

const (
	StageExtraction   Stage = "extraction"
	StageAssets       Stage = "asset_processing"
	StageChunking     Stage = "chunking"
	StageSemantic     Stage = "semantic_analysis"
	StageFinalization Stage = "product_finalization"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{
		StageExtraction,
		StageAssets,
		StageChunking,
		StageSemantic,
		StageFinalization,
	}
}

// The full document data
type Document struct {
	ID            string        `json:"id"`
	State         DocumentState `json:"state"`
	CurrentStage  Stage         `json:"current_stage"`
	FailureReason string        `json:"failure_reason,omitempty"`
	ElapsedMs     int64         `json:"elapsed_ms"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type ClassificationLabel string

const (
	LabelProduct        ClassificationLabel = "product"
	LabelSupporting     ClassificationLabel = "supporting"
	LabelAdministrative ClassificationLabel = "administrative"
	LabelTransitional   ClassificationLabel = "transitional"
	LabelIndex          ClassificationLabel = "index"
	LabelUnclassified   ClassificationLabel = "unclassified"
)

type Chunk struct {
	ID                   string              `json:"id"`
	DocumentID           string              `json:"document_id"`
	Ordinal              int                 `json:"ordinal"`
	Content              string              `json:"content"`
	ContentHash          string              `json:"content_hash"`
	PageHint             int                 `json:"page_hint"`
	QualityScore         float64             `json:"quality_score"`
	CoherenceScore       float64             `json:"coherence_score"`
	BoundaryQuality      float64             `json:"boundary_quality"`
	SemanticCompleteness float64             `json:"semantic_completeness"`
	Label                ClassificationLabel `json:"label"`
	ProductID            string              `json:"product_id,omitempty"`
	LowQuality           bool                `json:"low_quality"`
	NeedsReview          bool                `json:"needs_review"`
	Embedding            *pgvector.Vector    `json:"-"`
}

type Image struct {
	ID              string           `json:"id"`
	DocumentID      string           `json:"document_id"`
	PageHint        int              `json:"page_hint"`
	Ordinal         int              `json:"ordinal"`
	Caption         string           `json:"caption,omitempty"`
	AltText         string           `json:"alt_text,omitempty"`
	StorageRef      string           `json:"storage_ref,omitempty"`
	RelatedChunkIDs []string         `json:"related_chunk_ids,omitempty"`
	ProductID       string           `json:"product_id,omitempty"`
	Embedding       *pgvector.Vector `json:"-"`
}

// ValidationScores is the per-check breakdown produced by the product
// validator. MemberCount and Distinguishing are hard gates.
type ValidationScores struct {
	MemberCount    float64 `json:"member_count"`
	Substantive    float64 `json:"substantive"`
	Distinguishing float64 `json:"distinguishing"`
	ImagePresence  float64 `json:"image_presence"`
	Coherence      float64 `json:"coherence"`
	Overall        float64 `json:"overall"`
}

type Product struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Name       string            `json:"name"`
	ChunkIDs   []string          `json:"chunk_ids"`
	ImageIDs   []string          `json:"image_ids,omitempty"`
	Scores     ValidationScores  `json:"scores"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type CallOutcome string

const (
	OutcomeUsed      CallOutcome = "used"
	OutcomeEscalated CallOutcome = "escalated"
	OutcomeFallback  CallOutcome = "fallback"
	OutcomeRejected  CallOutcome = "rejected"
)

// AnalysisCall is the append-only audit record of one model invocation.
// Never mutated after write.
type AnalysisCall struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"document_id"`
	Stage      Stage       `json:"stage"`
	TaskType   string      `json:"task_type"`
	TierName   string      `json:"tier_name"`
	TierIndex  int         `json:"tier_index"`
	InputRef   string      `json:"input_ref"`
	Confidence float64     `json:"confidence"`
	CostUnits  float64     `json:"cost_units"`
	LatencyMs  int64       `json:"latency_ms"`
	Outcome    CallOutcome `json:"outcome"`
	CreatedAt  time.Time   `json:"created_at"`
}

type TargetKind string

const (
	TargetChunk   TargetKind = "chunk"
	TargetProduct TargetKind = "product"
)

type Association struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	ImageID    string     `json:"image_id"`
	TargetID   string     `json:"target_id"`
	TargetKind TargetKind `json:"target_kind"`
	Spatial    float64    `json:"spatial_score"`
	Textual    float64    `json:"textual_score"`
	Visual     float64    `json:"visual_score"`
	Combined   float64    `json:"combined_score"`
	Confidence float64    `json:"confidence"`
}

type WorkItemStatus string

const (
	ItemPending           WorkItemStatus = "pending"
	ItemProcessing        WorkItemStatus = "processing"
	ItemDone              WorkItemStatus = "done"
	ItemFailed            WorkItemStatus = "failed"
	ItemFailedPermanently WorkItemStatus = "failed_permanently"
)

// WorkItem is one persisted unit of work within a stage. Workers claim
// items through an atomic pending -> processing transition; a transiently
// failed item returns to pending with NotBefore pushed into the future so
// no worker reclaims it before its backoff elapses.
type WorkItem struct {
	DocumentID string         `json:"document_id"`
	Stage      Stage          `json:"stage"`
	ItemID     string         `json:"item_id"`
	Kind       string         `json:"kind"`
	Payload    []byte         `json:"payload,omitempty"`
	Status     WorkItemStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	NotBefore  time.Time      `json:"not_before"`
	LastError  string         `json:"last_error,omitempty"`
}

// ItemCounts aggregates work-item states for a document, for the job
// status endpoint.
type ItemCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// RawSpan is an already-extracted text span handed to the pipeline by the
// upstream extraction collaborator.
type RawSpan struct {
	Content  string `json:"content"`
	PageHint int    `json:"page_hint"`
	Ordinal  int    `json:"ordinal"`
}

// RawImage is an already-extracted visual asset from the same collaborator.
type RawImage struct {
	Caption    string `json:"caption,omitempty"`
	AltText    string `json:"alt_text,omitempty"`
	PageHint   int    `json:"page_hint"`
	Ordinal    int    `json:"ordinal"`
	StorageRef string `json:"storage_ref,omitempty"`
}
