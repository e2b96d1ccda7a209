package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serisow/catalogpipe/pipeline_type"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Pool exposes the underlying pool for handlers that run their own
// queries (generic entity endpoints, similarity search).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) CreateDocument(ctx context.Context, doc pipeline_type.Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, state, current_stage) VALUES ($1, $2, $3)`,
		doc.ID, doc.State, doc.CurrentStage)
	if err != nil {
		return fmt.Errorf("creating document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (pipeline_type.Document, error) {
	var doc pipeline_type.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, state, current_stage, failure_reason, elapsed_ms, created_at, updated_at
		 FROM documents WHERE id = $1`, id).
		Scan(&doc.ID, &doc.State, &doc.CurrentStage, &doc.FailureReason, &doc.ElapsedMs, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return pipeline_type.Document{}, fmt.Errorf("fetching document %s: %w", id, err)
	}
	return doc, nil
}

func (s *Store) UpdateDocumentState(ctx context.Context, id string, state pipeline_type.DocumentState, stage pipeline_type.Stage, failureReason string, elapsedMs int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE documents SET state = $2, current_stage = $3, failure_reason = $4, elapsed_ms = $5, updated_at = now()
		 WHERE id = $1`,
		id, state, stage, failureReason, elapsedMs)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", id, err)
	}
	return nil
}

// ListIncompleteDocuments returns every document that did not reach a
// terminal state, for the startup recovery scan.
func (s *Store) ListIncompleteDocuments(ctx context.Context) ([]pipeline_type.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, state, current_stage, failure_reason, elapsed_ms, created_at, updated_at
		 FROM documents WHERE state IN ('received', 'staged', 'processing')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete documents: %w", err)
	}
	defer rows.Close()

	docs := make([]pipeline_type.Document, 0)
	for rows.Next() {
		var doc pipeline_type.Document
		if err := rows.Scan(&doc.ID, &doc.State, &doc.CurrentStage, &doc.FailureReason, &doc.ElapsedMs, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	// Chunks and images cascade. Products, associations, calls and work
	// items reference by id and are cleared explicitly.
	batch := []string{
		`DELETE FROM associations WHERE document_id = $1`,
		`DELETE FROM products WHERE document_id = $1`,
		`DELETE FROM work_items WHERE document_id = $1`,
		`DELETE FROM document_stage_progress WHERE document_id = $1`,
		`DELETE FROM documents WHERE id = $1`,
	}
	for _, stmt := range batch {
		if _, err := s.pool.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting document %s: %w", id, err)
		}
	}
	return nil
}

// SetStageProgress records progress with a greatest-wins upsert, so
// concurrent workers can never move progress backwards.
func (s *Store) SetStageProgress(ctx context.Context, documentID string, stage pipeline_type.Stage, progress int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_stage_progress (document_id, stage, progress) VALUES ($1, $2, $3)
		 ON CONFLICT (document_id, stage)
		 DO UPDATE SET progress = GREATEST(document_stage_progress.progress, EXCLUDED.progress)`,
		documentID, stage, progress)
	if err != nil {
		return fmt.Errorf("setting progress for %s/%s: %w", documentID, stage, err)
	}
	return nil
}

func (s *Store) GetStageProgress(ctx context.Context, documentID string) (map[pipeline_type.Stage]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stage, progress FROM document_stage_progress WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetching progress for %s: %w", documentID, err)
	}
	defer rows.Close()

	progress := make(map[pipeline_type.Stage]int)
	for rows.Next() {
		var stage pipeline_type.Stage
		var value int
		if err := rows.Scan(&stage, &value); err != nil {
			return nil, err
		}
		progress[stage] = value
	}
	return progress, rows.Err()
}

// SaveChunk inserts a chunk, silently skipping exact duplicates: the
// (document_id, content_hash) unique constraint enforces one surviving
// chunk per content hash per document.
func (s *Store) SaveChunk(ctx context.Context, chunk pipeline_type.Chunk) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chunks (id, document_id, ordinal, content, content_hash, page_hint,
			quality_score, coherence_score, boundary_quality, semantic_completeness,
			label, product_id, low_quality, needs_review, embedding)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (document_id, content_hash) DO NOTHING`,
		chunk.ID, chunk.DocumentID, chunk.Ordinal, chunk.Content, chunk.ContentHash, chunk.PageHint,
		chunk.QualityScore, chunk.CoherenceScore, chunk.BoundaryQuality, chunk.SemanticCompleteness,
		chunk.Label, chunk.ProductID, chunk.LowQuality, chunk.NeedsReview, chunk.Embedding)
	if err != nil {
		return fmt.Errorf("saving chunk %s: %w", chunk.ID, err)
	}
	return nil
}

func (s *Store) UpdateChunkClassification(ctx context.Context, chunkID string, label pipeline_type.ClassificationLabel, needsReview bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chunks SET label = $2, needs_review = $3 WHERE id = $1`,
		chunkID, label, needsReview)
	if err != nil {
		return fmt.Errorf("classifying chunk %s: %w", chunkID, err)
	}
	return nil
}

func (s *Store) AssignChunkProduct(ctx context.Context, chunkID, productID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chunks SET product_id = $2 WHERE id = $1`, chunkID, productID)
	if err != nil {
		return fmt.Errorf("assigning chunk %s to product: %w", chunkID, err)
	}
	return nil
}

func (s *Store) DeleteChunk(ctx context.Context, chunkID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE id = $1`, chunkID)
	if err != nil {
		return fmt.Errorf("deleting chunk %s: %w", chunkID, err)
	}
	return nil
}

// ListChunks returns a document's chunks in ordinal order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]pipeline_type.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, ordinal, content, content_hash, page_hint,
			quality_score, coherence_score, boundary_quality, semantic_completeness,
			label, product_id, low_quality, needs_review, embedding
		 FROM chunks WHERE document_id = $1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for %s: %w", documentID, err)
	}
	defer rows.Close()

	chunks := make([]pipeline_type.Chunk, 0)
	for rows.Next() {
		var c pipeline_type.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.ContentHash, &c.PageHint,
			&c.QualityScore, &c.CoherenceScore, &c.BoundaryQuality, &c.SemanticCompleteness,
			&c.Label, &c.ProductID, &c.LowQuality, &c.NeedsReview, &c.Embedding); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) SaveImage(ctx context.Context, img pipeline_type.Image) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, document_id, page_hint, ordinal, caption, alt_text, storage_ref, related_chunk_ids, product_id, embedding)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO UPDATE SET
			related_chunk_ids = EXCLUDED.related_chunk_ids,
			product_id = EXCLUDED.product_id,
			embedding = EXCLUDED.embedding`,
		img.ID, img.DocumentID, img.PageHint, img.Ordinal, img.Caption, img.AltText, img.StorageRef,
		img.RelatedChunkIDs, img.ProductID, img.Embedding)
	if err != nil {
		return fmt.Errorf("saving image %s: %w", img.ID, err)
	}
	return nil
}

func (s *Store) ListImages(ctx context.Context, documentID string) ([]pipeline_type.Image, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, page_hint, ordinal, caption, alt_text, storage_ref, related_chunk_ids, product_id, embedding
		 FROM images WHERE document_id = $1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing images for %s: %w", documentID, err)
	}
	defer rows.Close()

	images := make([]pipeline_type.Image, 0)
	for rows.Next() {
		var img pipeline_type.Image
		if err := rows.Scan(&img.ID, &img.DocumentID, &img.PageHint, &img.Ordinal, &img.Caption,
			&img.AltText, &img.StorageRef, &img.RelatedChunkIDs, &img.ProductID, &img.Embedding); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *Store) SaveProduct(ctx context.Context, p pipeline_type.Product) error {
	scores, err := json.Marshal(p.Scores)
	if err != nil {
		return fmt.Errorf("marshaling product scores: %w", err)
	}
	attributes, err := json.Marshal(p.Attributes)
	if err != nil {
		return fmt.Errorf("marshaling product attributes: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO products (id, document_id, name, chunk_ids, image_ids, scores, attributes)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.DocumentID, p.Name, p.ChunkIDs, p.ImageIDs, scores, attributes)
	if err != nil {
		return fmt.Errorf("saving product %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context, documentID string) ([]pipeline_type.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, name, chunk_ids, image_ids, scores, attributes, created_at
		 FROM products WHERE document_id = $1 ORDER BY created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing products for %s: %w", documentID, err)
	}
	defer rows.Close()

	products := make([]pipeline_type.Product, 0)
	for rows.Next() {
		var p pipeline_type.Product
		var scores, attributes []byte
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Name, &p.ChunkIDs, &p.ImageIDs, &scores, &attributes, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scores, &p.Scores); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attributes, &p.Attributes); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// RecordAnalysisCall appends one audit record. Rows are never updated.
func (s *Store) RecordAnalysisCall(ctx context.Context, call pipeline_type.AnalysisCall) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_calls (id, document_id, stage, task_type, tier_name, tier_index,
			input_ref, confidence, cost_units, latency_ms, outcome, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		call.ID, call.DocumentID, call.Stage, call.TaskType, call.TierName, call.TierIndex,
		call.InputRef, call.Confidence, call.CostUnits, call.LatencyMs, call.Outcome, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording analysis call: %w", err)
	}
	return nil
}

func (s *Store) ListAssociations(ctx context.Context, documentID string) ([]pipeline_type.Association, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, image_id, target_id, target_kind,
			spatial_score, textual_score, visual_score, combined_score, confidence
		 FROM associations WHERE document_id = $1 ORDER BY combined_score DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing associations for %s: %w", documentID, err)
	}
	defer rows.Close()

	associations := make([]pipeline_type.Association, 0)
	for rows.Next() {
		var a pipeline_type.Association
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.ImageID, &a.TargetID, &a.TargetKind,
			&a.Spatial, &a.Textual, &a.Visual, &a.Combined, &a.Confidence); err != nil {
			return nil, err
		}
		associations = append(associations, a)
	}
	return associations, rows.Err()
}

// ReplaceAssociations swaps a document's associations wholesale; they are
// recomputed per run, never incrementally updated.
func (s *Store) ReplaceAssociations(ctx context.Context, documentID string, associations []pipeline_type.Association) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting association transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM associations WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clearing associations for %s: %w", documentID, err)
	}
	for _, a := range associations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO associations (id, document_id, image_id, target_id, target_kind,
				spatial_score, textual_score, visual_score, combined_score, confidence)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			a.ID, a.DocumentID, a.ImageID, a.TargetID, a.TargetKind,
			a.Spatial, a.Textual, a.Visual, a.Combined, a.Confidence); err != nil {
			return fmt.Errorf("saving association %s: %w", a.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// TaskTypeSummary aggregates analysis calls for one task type and tier.
type TaskTypeSummary struct {
	TaskType      string  `json:"task_type"`
	Stage         string  `json:"stage"`
	TierName      string  `json:"tier_name"`
	Calls         int     `json:"calls"`
	Used          int     `json:"used"`
	TotalCost     float64 `json:"total_cost_units"`
	AvgConfidence float64 `json:"average_confidence"`
}

// AnalysisSummary holds the aggregate AnalysisCall statistics exposed by
// the analysis-summary endpoint.
type AnalysisSummary struct {
	TotalCalls    int               `json:"total_calls"`
	SuccessRate   float64           `json:"success_rate"`
	TotalCost     float64           `json:"total_cost_units"`
	AvgConfidence float64           `json:"average_confidence"`
	PerTier       map[string]int    `json:"per_tier_calls"`
	Breakdown     []TaskTypeSummary `json:"breakdown"`
}

func (s *Store) GetAnalysisSummary(ctx context.Context, documentID string) (AnalysisSummary, error) {
	summary := AnalysisSummary{PerTier: make(map[string]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT task_type, stage, tier_name,
			count(*),
			count(*) FILTER (WHERE outcome IN ('used', 'fallback')),
			coalesce(sum(cost_units), 0),
			coalesce(avg(confidence), 0)
		 FROM analysis_calls WHERE document_id = $1
		 GROUP BY task_type, stage, tier_name
		 ORDER BY task_type, stage, tier_name`, documentID)
	if err != nil {
		return summary, fmt.Errorf("aggregating analysis calls for %s: %w", documentID, err)
	}
	defer rows.Close()

	var used int
	var confidenceSum float64
	for rows.Next() {
		var row TaskTypeSummary
		if err := rows.Scan(&row.TaskType, &row.Stage, &row.TierName, &row.Calls, &row.Used, &row.TotalCost, &row.AvgConfidence); err != nil {
			return summary, err
		}
		summary.Breakdown = append(summary.Breakdown, row)
		summary.TotalCalls += row.Calls
		summary.TotalCost += row.TotalCost
		summary.PerTier[row.TierName] += row.Calls
		used += row.Used
		confidenceSum += row.AvgConfidence * float64(row.Calls)
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}
	if summary.TotalCalls > 0 {
		summary.SuccessRate = float64(used) / float64(summary.TotalCalls)
		summary.AvgConfidence = confidenceSum / float64(summary.TotalCalls)
	}
	return summary, nil
}
