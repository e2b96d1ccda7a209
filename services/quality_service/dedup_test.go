package quality_service_test

import (
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/quality_service"
)

func vec(values ...float32) *pgvector.Vector {
	v := pgvector.NewVector(values)
	return &v
}

func chunkWith(id string, ordinal int, content string, embedding *pgvector.Vector) pipeline_type.Chunk {
	return pipeline_type.Chunk{
		ID:          id,
		DocumentID:  "doc-1",
		Ordinal:     ordinal,
		Content:     content,
		ContentHash: quality_service.HashContent(content),
		Embedding:   embedding,
	}
}

func TestDedupExactDuplicates(t *testing.T) {
	deduper := quality_service.NewDeduper(0.85, 20, testLogger())

	chunks := []pipeline_type.Chunk{
		chunkWith("c1", 0, "The X200 oak table seats six.", nil),
		chunkWith("c2", 1, "Care instructions: wipe with a damp cloth.", nil),
		// Same text as c1, reflowed. Must be suppressed in favor of c1.
		chunkWith("c3", 2, "The X200 oak  table\nseats six.", nil),
	}

	kept, suppressed := deduper.Dedup(chunks)

	if len(kept) != 2 {
		t.Fatalf("kept %d chunks, want 2", len(kept))
	}
	if kept[0].ID != "c1" || kept[1].ID != "c2" {
		t.Errorf("kept = [%s %s], want [c1 c2]", kept[0].ID, kept[1].ID)
	}
	if len(suppressed) != 1 || suppressed[0].ID != "c3" {
		t.Fatalf("suppressed = %v, want [c3]", suppressed)
	}
}

func TestDedupNearDuplicates(t *testing.T) {
	deduper := quality_service.NewDeduper(0.85, 20, testLogger())

	chunks := []pipeline_type.Chunk{
		chunkWith("c1", 0, "The X200 oak table seats six people.", vec(1, 0, 0)),
		// Near-identical embedding, different text: suppressed.
		chunkWith("c2", 1, "The X200 oaken table seats 6 people.", vec(0.999, 0.01, 0)),
		// Orthogonal embedding: kept.
		chunkWith("c3", 2, "Warranty covers manufacturing defects for two years.", vec(0, 1, 0)),
	}

	kept, suppressed := deduper.Dedup(chunks)

	if len(kept) != 2 {
		t.Fatalf("kept %d chunks, want 2", len(kept))
	}
	if kept[0].ID != "c1" || kept[1].ID != "c3" {
		t.Errorf("kept = [%s %s], want [c1 c3]", kept[0].ID, kept[1].ID)
	}
	if len(suppressed) != 1 || suppressed[0].ID != "c2" {
		t.Fatalf("suppressed = %v, want [c2]", suppressed)
	}
}

func TestDedupEarliestOrdinalWins(t *testing.T) {
	deduper := quality_service.NewDeduper(0.85, 20, testLogger())

	// Input deliberately out of order; the earliest ordinal must survive.
	chunks := []pipeline_type.Chunk{
		chunkWith("late", 5, "Identical text here.", nil),
		chunkWith("early", 1, "Identical  text here.", nil),
	}

	kept, suppressed := deduper.Dedup(chunks)

	if len(kept) != 1 || kept[0].ID != "early" {
		t.Fatalf("kept = %v, want the earlier ordinal", kept)
	}
	if len(suppressed) != 1 || suppressed[0].ID != "late" {
		t.Fatalf("suppressed = %v, want the later ordinal", suppressed)
	}
}

func TestDedupWindowBoundsComparisons(t *testing.T) {
	// Window of 2: a chunk similar only to a survivor that has already
	// slid out of the window is kept.
	deduper := quality_service.NewDeduper(0.85, 2, testLogger())

	chunks := []pipeline_type.Chunk{
		chunkWith("c1", 0, "alpha", vec(1, 0, 0)),
		chunkWith("c2", 1, "beta", vec(0, 1, 0)),
		chunkWith("c3", 2, "gamma", vec(0, 0, 1)),
		// Similar to c1, but c1 left the window two survivors ago.
		chunkWith("c4", 3, "alpha again", vec(0.999, 0.01, 0)),
	}

	kept, _ := deduper.Dedup(chunks)

	if len(kept) != 4 {
		t.Fatalf("kept %d chunks, want 4: window must bound comparisons", len(kept))
	}
}

func TestDedupMissingEmbeddingSkipsNearCheck(t *testing.T) {
	deduper := quality_service.NewDeduper(0.85, 20, testLogger())

	chunks := []pipeline_type.Chunk{
		chunkWith("c1", 0, "alpha", vec(1, 0, 0)),
		chunkWith("c2", 1, "different text", nil),
	}

	kept, suppressed := deduper.Dedup(chunks)
	if len(kept) != 2 || len(suppressed) != 0 {
		t.Fatalf("kept %d suppressed %d, embedding-less chunk must pass the near-dup check", len(kept), len(suppressed))
	}
}
