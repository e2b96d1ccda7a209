package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Logical tables: documents, chunks, images, products, analysis_calls,
// associations, plus the work queue and the per-document-per-stage
// progress rows. Chunks and images cascade with their document; products
// and analysis calls reference by id only.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id             TEXT PRIMARY KEY,
		state          TEXT NOT NULL DEFAULT 'received',
		current_stage  TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		elapsed_ms     BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id                    TEXT PRIMARY KEY,
		document_id           TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		ordinal               INTEGER NOT NULL,
		content               TEXT NOT NULL,
		content_hash          TEXT NOT NULL,
		page_hint             INTEGER NOT NULL DEFAULT 0,
		quality_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
		coherence_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
		boundary_quality      DOUBLE PRECISION NOT NULL DEFAULT 0,
		semantic_completeness DOUBLE PRECISION NOT NULL DEFAULT 0,
		label                 TEXT NOT NULL DEFAULT 'unclassified',
		product_id            TEXT NOT NULL DEFAULT '',
		low_quality           BOOLEAN NOT NULL DEFAULT false,
		needs_review          BOOLEAN NOT NULL DEFAULT false,
		embedding             vector(1536),
		UNIQUE (document_id, content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS images (
		id                TEXT PRIMARY KEY,
		document_id       TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		page_hint         INTEGER NOT NULL DEFAULT 0,
		ordinal           INTEGER NOT NULL DEFAULT 0,
		caption           TEXT NOT NULL DEFAULT '',
		alt_text          TEXT NOT NULL DEFAULT '',
		storage_ref       TEXT NOT NULL DEFAULT '',
		related_chunk_ids TEXT[] NOT NULL DEFAULT '{}',
		product_id        TEXT NOT NULL DEFAULT '',
		embedding         vector(1536)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		name        TEXT NOT NULL,
		chunk_ids   TEXT[] NOT NULL DEFAULT '{}',
		image_ids   TEXT[] NOT NULL DEFAULT '{}',
		scores      JSONB NOT NULL DEFAULT '{}',
		attributes  JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_calls (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		stage       TEXT NOT NULL DEFAULT '',
		task_type   TEXT NOT NULL,
		tier_name   TEXT NOT NULL,
		tier_index  INTEGER NOT NULL,
		input_ref   TEXT NOT NULL DEFAULT '',
		confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_units  DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms  BIGINT NOT NULL DEFAULT 0,
		outcome     TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS associations (
		id             TEXT PRIMARY KEY,
		document_id    TEXT NOT NULL,
		image_id       TEXT NOT NULL,
		target_id      TEXT NOT NULL,
		target_kind    TEXT NOT NULL,
		spatial_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
		textual_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
		visual_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
		combined_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence     DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS work_items (
		document_id TEXT NOT NULL,
		stage       TEXT NOT NULL,
		item_id     TEXT NOT NULL,
		kind        TEXT NOT NULL DEFAULT '',
		payload     JSONB,
		status      TEXT NOT NULL DEFAULT 'pending',
		attempts    INTEGER NOT NULL DEFAULT 0,
		not_before  TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (document_id, stage, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS document_stage_progress (
		document_id TEXT NOT NULL,
		stage       TEXT NOT NULL,
		progress    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (document_id, stage)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id, ordinal)`,
	`CREATE INDEX IF NOT EXISTS idx_images_document ON images (document_id, ordinal)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_document ON analysis_calls (document_id, task_type)`,
	`CREATE INDEX IF NOT EXISTS idx_associations_image ON associations (image_id)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items (document_id, stage, status)`,
}

// EnsureSchema creates the tables and indexes if they don't exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	return nil
}
