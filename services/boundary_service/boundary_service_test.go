package boundary_service_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/boundary_service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vec(values ...float32) *pgvector.Vector {
	v := pgvector.NewVector(values)
	return &v
}

func TestHasStructuralMarker(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"capitalized heading", "NORDIKA TABLE\nSolid oak dining table for six.", true},
		{"sku code", "Order using reference REF-10452 from the catalog.", true},
		{"dimension run", "Measures 120x60 cm when folded.", true},
		{"diameter marker", "Base plate Ø30 mm, powder coated.", true},
		{"plain prose", "wipe the surface with a damp cloth after use.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := boundary_service.HasStructuralMarker(tt.content); got != tt.want {
				t.Errorf("HasStructuralMarker(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestBoundaryScoreSignals(t *testing.T) {
	detector := boundary_service.NewDetector(0.65, 0.5, testLogger())

	prev := pipeline_type.Chunk{Content: "the table ships flat packed.", PageHint: 2, Embedding: vec(1, 0, 0)}

	// Same topic, same page, no marker: no boundary.
	same := pipeline_type.Chunk{Content: "assembly takes about twenty minutes.", PageHint: 2, Embedding: vec(0.99, 0.1, 0)}
	if score := detector.BoundaryScore(prev, same); score >= detector.BoundaryThreshold {
		t.Errorf("continuation scored %.2f, want below threshold %.2f", score, detector.BoundaryThreshold)
	}

	// Orthogonal embedding + structural marker + page break: boundary.
	next := pipeline_type.Chunk{Content: "VERA CHAIR\nStackable chair, REF-2041.", PageHint: 3, Embedding: vec(0, 1, 0)}
	if score := detector.BoundaryScore(prev, next); score < detector.BoundaryThreshold {
		t.Errorf("new entry scored %.2f, want at least threshold %.2f", score, detector.BoundaryThreshold)
	}
}

func TestDetectGroups(t *testing.T) {
	detector := boundary_service.NewDetector(0.65, 0.5, testLogger())

	chunks := []pipeline_type.Chunk{
		{ID: "c1", DocumentID: "doc-1", Ordinal: 0, Content: "NORDIKA TABLE\nSolid oak table.", PageHint: 1, Embedding: vec(1, 0, 0)},
		{ID: "c2", DocumentID: "doc-1", Ordinal: 1, Content: "seats six people and extends to eight.", PageHint: 1, Embedding: vec(0.98, 0.15, 0)},
		{ID: "c3", DocumentID: "doc-1", Ordinal: 2, Content: "VERA CHAIR\nStackable chair, REF-2041.", PageHint: 2, Embedding: vec(0, 1, 0)},
		{ID: "c4", DocumentID: "doc-1", Ordinal: 3, Content: "available in four colors.", PageHint: 2, Embedding: vec(0.1, 0.97, 0)},
	}

	groups := detector.DetectGroups(chunks)

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0][0].ID != "c1" || len(groups[0]) != 2 {
		t.Errorf("first group = %v, want [c1 c2]", ids(groups[0]))
	}
	if groups[1][0].ID != "c3" || len(groups[1]) != 2 {
		t.Errorf("second group = %v, want [c3 c4]", ids(groups[1]))
	}
}

func TestDetectGroupsEmpty(t *testing.T) {
	detector := boundary_service.NewDetector(0.65, 0.5, testLogger())
	if groups := detector.DetectGroups(nil); groups != nil {
		t.Errorf("DetectGroups(nil) = %v, want nil", groups)
	}
}

func ids(chunks []pipeline_type.Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ID)
	}
	return out
}
