package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/association_service"
	"github.com/serisow/catalogpipe/services/boundary_service"
	"github.com/serisow/catalogpipe/services/consensus_service"
	"github.com/serisow/catalogpipe/services/embedding_service"
	"github.com/serisow/catalogpipe/services/escalation_service"
	"github.com/serisow/catalogpipe/services/quality_service"
)

// Store is the persistence surface the orchestrator drives. Implemented
// by the pgx-backed store; tests substitute an in-memory one.
type Store interface {
	UpdateDocumentState(ctx context.Context, id string, state pipeline_type.DocumentState, stage pipeline_type.Stage, failureReason string, elapsedMs int64) error
	SetStageProgress(ctx context.Context, documentID string, stage pipeline_type.Stage, progress int) error

	ListIncompleteDocuments(ctx context.Context) ([]pipeline_type.Document, error)

	EnqueueWorkItems(ctx context.Context, items []pipeline_type.WorkItem) error
	ClaimWorkItem(ctx context.Context, documentID string, stage pipeline_type.Stage) (pipeline_type.WorkItem, bool, error)
	MarkItemDone(ctx context.Context, item pipeline_type.WorkItem) error
	MarkItemFailed(ctx context.Context, item pipeline_type.WorkItem, maxAttempts int, retryDelay time.Duration, reason string) (bool, error)
	AbandonPendingItems(ctx context.Context, documentID string) error
	RequeueOrphanedItems(ctx context.Context) error
	StageCounts(ctx context.Context, documentID string, stage pipeline_type.Stage) (total, done, failedPermanently int, err error)

	SaveChunk(ctx context.Context, chunk pipeline_type.Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]pipeline_type.Chunk, error)
	UpdateChunkClassification(ctx context.Context, chunkID string, label pipeline_type.ClassificationLabel, needsReview bool) error
	AssignChunkProduct(ctx context.Context, chunkID, productID string) error
	DeleteChunk(ctx context.Context, chunkID string) error

	SaveImage(ctx context.Context, img pipeline_type.Image) error
	ListImages(ctx context.Context, documentID string) ([]pipeline_type.Image, error)

	SaveProduct(ctx context.Context, p pipeline_type.Product) error
	ListAssociations(ctx context.Context, documentID string) ([]pipeline_type.Association, error)
	ReplaceAssociations(ctx context.Context, documentID string, associations []pipeline_type.Association) error
}

// progressBand fixes each stage's share of the 0-100 range.
type progressBand struct {
	start float64
	width float64
}

var bands = map[pipeline_type.Stage]progressBand{
	pipeline_type.StageExtraction:   {0, 20},
	pipeline_type.StageAssets:       {20, 20},
	pipeline_type.StageChunking:     {40, 20},
	pipeline_type.StageSemantic:     {60, 30},
	pipeline_type.StageFinalization: {90, 10},
}

type Orchestrator struct {
	store       Store
	quality     *quality_service.Engine
	deduper     *quality_service.Deduper
	escalation  *escalation_service.Engine
	consensus   *consensus_service.Validator
	detector    *boundary_service.Detector
	validator   *boundary_service.Validator
	association *association_service.Engine
	embedder    embedding_service.Embedder
	logger      *slog.Logger

	// Concurrency is the bounded worker-pool size per stage.
	Concurrency int
	// MaxAttempts bounds transient retries per work item.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// PollInterval paces idle workers waiting on in-flight items.
	PollInterval time.Duration

	// Per-document cancellation flags, checked between work units.
	cancelled sync.Map
}

func New(store Store, quality *quality_service.Engine, deduper *quality_service.Deduper,
	escalation *escalation_service.Engine, consensus *consensus_service.Validator,
	detector *boundary_service.Detector, validator *boundary_service.Validator,
	association *association_service.Engine, embedder embedding_service.Embedder,
	logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        store,
		quality:      quality,
		deduper:      deduper,
		escalation:   escalation,
		consensus:    consensus,
		detector:     detector,
		validator:    validator,
		association:  association,
		embedder:     embedder,
		logger:       logger,
		Concurrency:  10,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffCap:   30 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// Cancel marks a document for cancellation. In-flight workers abandon
// remaining queued items between work units; nothing already committed is
// rolled back.
func (o *Orchestrator) Cancel(documentID string) {
	o.cancelled.Store(documentID, struct{}{})
}

func (o *Orchestrator) isCancelled(documentID string) bool {
	_, ok := o.cancelled.Load(documentID)
	return ok
}

// ProcessDocument drives the five stages for one document. Item-level
// failures never fail the document; only a stage left with zero surviving
// items does. Once the raw inputs are staged into the persistent queue
// the document survives a process crash and is picked up again by
// ResumeIncomplete.
func (o *Orchestrator) ProcessDocument(ctx context.Context, documentID string, spans []pipeline_type.RawSpan, images []pipeline_type.RawImage) error {
	start := time.Now()

	if err := o.stageInputs(ctx, documentID, spans, images); err != nil {
		return o.failDocument(ctx, documentID, pipeline_type.StageExtraction, err.Error(), start)
	}
	if err := o.store.UpdateDocumentState(ctx, documentID, pipeline_type.DocumentStaged, pipeline_type.StageExtraction, "", time.Since(start).Milliseconds()); err != nil {
		return o.failDocument(ctx, documentID, pipeline_type.StageExtraction, fmt.Sprintf("state update: %v", err), start)
	}

	return o.run(ctx, documentID, pipeline_type.StageExtraction, start)
}

// ResumeIncomplete recovers documents interrupted by a process crash.
// Items orphaned in processing return to the queue, documents that were
// staged or mid-stage rerun from their recorded stage, and documents
// that died before their inputs were staged are failed: their raw spans
// only existed in the dead process's memory.
func (o *Orchestrator) ResumeIncomplete(ctx context.Context) error {
	if err := o.store.RequeueOrphanedItems(ctx); err != nil {
		return err
	}
	docs, err := o.store.ListIncompleteDocuments(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.State == pipeline_type.DocumentReceived {
			o.failDocument(ctx, doc.ID, doc.CurrentStage, "inputs lost before staging, resubmit the document", time.Now())
			continue
		}
		o.logger.Info("Resuming document",
			slog.String("document_id", doc.ID),
			slog.String("stage", string(doc.CurrentStage)))
		if err := o.run(ctx, doc.ID, doc.CurrentStage, time.Now()); err != nil {
			o.logger.Error("Resume failed",
				slog.String("document_id", doc.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (o *Orchestrator) failDocument(ctx context.Context, documentID string, stage pipeline_type.Stage, reason string, start time.Time) error {
	o.logger.Error("Document failed",
		slog.String("document_id", documentID),
		slog.String("stage", string(stage)),
		slog.String("reason", reason))
	if err := o.store.AbandonPendingItems(ctx, documentID); err != nil {
		o.logger.Error("Failed to abandon pending items", slog.String("error", err.Error()))
	}
	if err := o.store.UpdateDocumentState(ctx, documentID, pipeline_type.DocumentFailed, stage, reason, time.Since(start).Milliseconds()); err != nil {
		o.logger.Error("Failed to mark document failed", slog.String("error", err.Error()))
	}
	return fmt.Errorf("document %s failed at %s: %s", documentID, stage, reason)
}

// run executes the stage sequence from the given stage onward. Stages
// before it already completed in a previous run of the process.
func (o *Orchestrator) run(ctx context.Context, documentID string, from pipeline_type.Stage, start time.Time) error {
	defer o.cancelled.Delete(documentID)

	started := false
	for _, stage := range pipeline_type.Stages() {
		if !started {
			if stage != from {
				continue
			}
			started = true
		}
		if o.isCancelled(documentID) {
			return o.failDocument(ctx, documentID, stage, "cancelled", start)
		}
		if err := o.store.UpdateDocumentState(ctx, documentID, pipeline_type.DocumentProcessing, stage, "", time.Since(start).Milliseconds()); err != nil {
			return o.failDocument(ctx, documentID, stage, fmt.Sprintf("state update: %v", err), start)
		}

		var err error
		switch stage {
		case pipeline_type.StageExtraction:
			err = o.runExtraction(ctx, documentID)
		case pipeline_type.StageAssets:
			err = o.runAssets(ctx, documentID)
		case pipeline_type.StageChunking:
			err = o.runChunking(ctx, documentID)
		case pipeline_type.StageSemantic:
			err = o.runSemantic(ctx, documentID)
		case pipeline_type.StageFinalization:
			err = o.runFinalization(ctx, documentID)
		}
		if err != nil {
			return o.failDocument(ctx, documentID, stage, err.Error(), start)
		}
	}

	elapsed := time.Since(start).Milliseconds()
	if err := o.store.UpdateDocumentState(ctx, documentID, pipeline_type.DocumentCompleted, pipeline_type.StageFinalization, "", elapsed); err != nil {
		return fmt.Errorf("marking document %s completed: %w", documentID, err)
	}
	o.logger.Info("Document completed",
		slog.String("document_id", documentID),
		slog.Int64("elapsed_ms", elapsed))
	return nil
}

// errStageExhausted signals a required stage with zero surviving items.
var errStageExhausted = errors.New("no surviving items in required stage")

// runStage consumes the stage's queued items with a bounded worker pool
// until every item reaches a terminal state. Progress within the stage's
// band tracks real item counts; failed-permanently items leave the
// denominator.
func (o *Orchestrator) runStage(ctx context.Context, documentID string, stage pipeline_type.Stage, handler func(ctx context.Context, item pipeline_type.WorkItem) error) error {
	band := bands[stage]
	total, _, _, err := o.store.StageCounts(ctx, documentID, stage)
	if err != nil {
		return err
	}
	if total == 0 {
		// Nothing to do for this stage (a document without images, for
		// example). The band completes immediately.
		return o.store.SetStageProgress(ctx, documentID, stage, int(band.start+band.width))
	}

	var wg sync.WaitGroup
	workers := o.Concurrency
	if workers <= 0 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if o.isCancelled(documentID) || ctx.Err() != nil {
					return
				}
				item, ok, err := o.store.ClaimWorkItem(ctx, documentID, stage)
				if err != nil {
					o.logger.Error("Failed to claim work item",
						slog.String("document_id", documentID),
						slog.String("stage", string(stage)),
						slog.String("error", err.Error()))
					time.Sleep(o.PollInterval)
					continue
				}
				if !ok {
					complete, err := o.stageComplete(ctx, documentID, stage)
					if err != nil || complete {
						return
					}
					// Items are still processing or awaiting retry.
					time.Sleep(o.PollInterval)
					continue
				}

				if err := handler(ctx, item); err != nil {
					maxAttempts := o.MaxAttempts
					if errors.Is(err, pipeline_type.ErrPermanentItem) {
						// Retrying cannot fix this item; skip the
						// remaining attempts.
						maxAttempts = 0
					}
					// The retry delay lives on the row, not in a worker
					// sleep: the item stays invisible to every worker
					// until its backoff elapses while this worker moves
					// on to other items.
					permanent, markErr := o.store.MarkItemFailed(ctx, item, maxAttempts, o.backoff(item.Attempts+1), err.Error())
					if markErr != nil {
						o.logger.Error("Failed to record item failure", slog.String("error", markErr.Error()))
					}
					if permanent {
						o.logger.Warn("Work item failed permanently",
							slog.String("document_id", documentID),
							slog.String("stage", string(stage)),
							slog.String("item_id", item.ItemID),
							slog.String("error", err.Error()))
					}
				} else {
					if err := o.store.MarkItemDone(ctx, item); err != nil {
						o.logger.Error("Failed to mark item done", slog.String("error", err.Error()))
					}
				}
				o.updateProgress(ctx, documentID, stage)
			}
		}()
	}
	wg.Wait()

	if o.isCancelled(documentID) {
		return errors.New("cancelled")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	total, _, failedPerm, err := o.store.StageCounts(ctx, documentID, stage)
	if err != nil {
		return err
	}
	if total > 0 && total == failedPerm {
		return fmt.Errorf("stage %s: %w", stage, errStageExhausted)
	}
	return o.store.SetStageProgress(ctx, documentID, stage, int(band.start+band.width))
}

func (o *Orchestrator) stageComplete(ctx context.Context, documentID string, stage pipeline_type.Stage) (bool, error) {
	total, done, failedPerm, err := o.store.StageCounts(ctx, documentID, stage)
	if err != nil {
		return false, err
	}
	return done+failedPerm >= total, nil
}

// updateProgress recomputes band progress from real item counts. The
// store applies it greatest-wins, keeping progress monotonic under
// concurrent workers.
func (o *Orchestrator) updateProgress(ctx context.Context, documentID string, stage pipeline_type.Stage) {
	band := bands[stage]
	total, done, failedPerm, err := o.store.StageCounts(ctx, documentID, stage)
	if err != nil {
		o.logger.Error("Failed to compute progress", slog.String("error", err.Error()))
		return
	}
	survivors := total - failedPerm
	progress := band.start
	if survivors > 0 {
		progress += float64(done) / float64(survivors) * band.width
	}
	if err := o.store.SetStageProgress(ctx, documentID, stage, int(progress)); err != nil {
		o.logger.Error("Failed to persist progress", slog.String("error", err.Error()))
	}
}

// backoff returns the capped exponential delay before a retry.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.BackoffCap {
			return o.BackoffCap
		}
	}
	if delay > o.BackoffCap {
		delay = o.BackoffCap
	}
	return delay
}

func marshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func newItemID(prefix string, ordinal int) string {
	return fmt.Sprintf("%s-%06d", prefix, ordinal)
}
