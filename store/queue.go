package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/serisow/catalogpipe/pipeline_type"
)

// The work queue persists one row per unit of work. Workers claim rows
// through an atomic pending -> processing transition with a not_before
// visibility gate, so no in-memory global state is needed; after a crash
// ResumeIncomplete requeues rows left in processing and restarts their
// documents.

func (s *Store) EnqueueWorkItems(ctx context.Context, items []pipeline_type.WorkItem) error {
	for _, item := range items {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO work_items (document_id, stage, item_id, kind, payload, status)
			 VALUES ($1,$2,$3,$4,$5,'pending')
			 ON CONFLICT (document_id, stage, item_id) DO NOTHING`,
			item.DocumentID, item.Stage, item.ItemID, item.Kind, item.Payload)
		if err != nil {
			return fmt.Errorf("enqueuing work item %s/%s/%s: %w", item.DocumentID, item.Stage, item.ItemID, err)
		}
	}
	return nil
}

// ClaimWorkItem atomically claims one pending item for a document stage.
// Items whose not_before gate is still in the future are invisible, so a
// backed-off retry cannot be reclaimed early. Returns false when nothing
// is claimable.
func (s *Store) ClaimWorkItem(ctx context.Context, documentID string, stage pipeline_type.Stage) (pipeline_type.WorkItem, bool, error) {
	var item pipeline_type.WorkItem
	err := s.pool.QueryRow(ctx,
		`UPDATE work_items SET status = 'processing'
		 WHERE (document_id, stage, item_id) = (
			SELECT document_id, stage, item_id FROM work_items
			WHERE document_id = $1 AND stage = $2 AND status = 'pending' AND not_before <= now()
			ORDER BY item_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING document_id, stage, item_id, kind, payload, status, attempts, last_error`,
		documentID, stage).
		Scan(&item.DocumentID, &item.Stage, &item.ItemID, &item.Kind, &item.Payload, &item.Status, &item.Attempts, &item.LastError)
	if err == pgx.ErrNoRows {
		return pipeline_type.WorkItem{}, false, nil
	}
	if err != nil {
		return pipeline_type.WorkItem{}, false, fmt.Errorf("claiming work item for %s/%s: %w", documentID, stage, err)
	}
	return item, true, nil
}

func (s *Store) MarkItemDone(ctx context.Context, item pipeline_type.WorkItem) error {
	return s.setItemStatus(ctx, item, pipeline_type.ItemDone, "")
}

// MarkItemFailed returns a transiently failed item to pending with its
// attempt count bumped and its not_before gate pushed out by retryDelay,
// or marks it failed permanently once attempts are exhausted.
func (s *Store) MarkItemFailed(ctx context.Context, item pipeline_type.WorkItem, maxAttempts int, retryDelay time.Duration, reason string) (permanent bool, err error) {
	if item.Attempts+1 >= maxAttempts {
		return true, s.setItemStatus(ctx, item, pipeline_type.ItemFailedPermanently, reason)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE work_items SET status = 'pending', attempts = attempts + 1, not_before = $4, last_error = $5
		 WHERE document_id = $1 AND stage = $2 AND item_id = $3`,
		item.DocumentID, item.Stage, item.ItemID, time.Now().Add(retryDelay), reason)
	if err != nil {
		return false, fmt.Errorf("requeuing work item %s: %w", item.ItemID, err)
	}
	return false, nil
}

// RequeueOrphanedItems returns every item left in processing to pending.
// Called once at startup: a row can only be stuck in processing when the
// worker that claimed it died with the process.
func (s *Store) RequeueOrphanedItems(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE work_items SET status = 'pending', not_before = now()
		 WHERE status = 'processing'`)
	if err != nil {
		return fmt.Errorf("requeuing orphaned work items: %w", err)
	}
	return nil
}

func (s *Store) setItemStatus(ctx context.Context, item pipeline_type.WorkItem, status pipeline_type.WorkItemStatus, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE work_items SET status = $4, attempts = attempts + 1, last_error = $5
		 WHERE document_id = $1 AND stage = $2 AND item_id = $3`,
		item.DocumentID, item.Stage, item.ItemID, status, reason)
	if err != nil {
		return fmt.Errorf("updating work item %s to %s: %w", item.ItemID, status, err)
	}
	return nil
}

// AbandonPendingItems clears queued items for a cancelled document
// without side effects beyond what was already committed.
func (s *Store) AbandonPendingItems(ctx context.Context, documentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM work_items WHERE document_id = $1 AND status = 'pending'`, documentID)
	if err != nil {
		return fmt.Errorf("abandoning pending items for %s: %w", documentID, err)
	}
	return nil
}

// StageCounts returns work-item counts for one document stage.
func (s *Store) StageCounts(ctx context.Context, documentID string, stage pipeline_type.Stage) (total, done, failedPermanently int, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE status = 'done'),
			count(*) FILTER (WHERE status = 'failed_permanently')
		 FROM work_items WHERE document_id = $1 AND stage = $2`,
		documentID, stage).Scan(&total, &done, &failedPermanently)
	if err != nil {
		err = fmt.Errorf("counting work items for %s/%s: %w", documentID, stage, err)
	}
	return total, done, failedPermanently, err
}

// ItemCounts aggregates per-item states across all stages for the job
// status endpoint.
func (s *Store) ItemCounts(ctx context.Context, documentID string) (pipeline_type.ItemCounts, error) {
	var counts pipeline_type.ItemCounts
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'done'),
			count(*) FILTER (WHERE status IN ('failed', 'failed_permanently'))
		 FROM work_items WHERE document_id = $1`, documentID).
		Scan(&counts.Pending, &counts.Processing, &counts.Done, &counts.Failed)
	if err != nil {
		return counts, fmt.Errorf("counting work items for %s: %w", documentID, err)
	}
	return counts, nil
}

// ItemFailures returns the per-item failure reasons for a document, for
// the failed-document status surface.
func (s *Store) ItemFailures(ctx context.Context, documentID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stage || '/' || item_id, last_error FROM work_items
		 WHERE document_id = $1 AND status = 'failed_permanently'`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing item failures for %s: %w", documentID, err)
	}
	defer rows.Close()

	failures := make(map[string]string)
	for rows.Next() {
		var item, reason string
		if err := rows.Scan(&item, &reason); err != nil {
			return nil, err
		}
		failures[item] = reason
	}
	return failures, rows.Err()
}
