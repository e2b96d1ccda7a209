package association_service_test

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/association_service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vec(values ...float32) *pgvector.Vector {
	v := pgvector.NewVector(values)
	return &v
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights association_service.Weights
		wantErr bool
	}{
		{"default weights", association_service.DefaultWeights(), false},
		{"alternative split", association_service.Weights{Spatial: 0.6, Textual: 0.2, Visual: 0.2}, false},
		{"sum above one", association_service.Weights{Spatial: 0.5, Textual: 0.4, Visual: 0.3}, true},
		{"sum below one", association_service.Weights{Spatial: 0.2, Textual: 0.2, Visual: 0.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpatialScoreDecay(t *testing.T) {
	tests := []struct {
		imagePage  int
		targetPage int
		want       float64
		inWindow   bool
	}{
		{5, 5, 1.0, true},
		{5, 4, 0.8, true},
		{5, 7, 0.6, true},
		{5, 2, 0.4, true},
		{5, 1, 0, false},
		{1, 9, 0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("pages_%d_%d", tt.imagePage, tt.targetPage), func(t *testing.T) {
			got, ok := association_service.SpatialScore(tt.imagePage, tt.targetPage)
			if ok != tt.inWindow {
				t.Fatalf("inWindow = %v, want %v", ok, tt.inWindow)
			}
			if got != tt.want {
				t.Errorf("score = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestTextualScore(t *testing.T) {
	// Every caption token appears in the target text: full overlap plus
	// the verbatim-name boost, clamped at 1.
	score := association_service.TextualScore(
		"Nordika oak table", "",
		"The Nordika table is made of solid oak and seats six.", "Nordika")
	if score != 1.0 {
		t.Errorf("score = %.2f, want 1.0 (full overlap plus name boost, clamped)", score)
	}

	// No shared tokens at all.
	score = association_service.TextualScore(
		"lamp detail photo", "",
		"The Nordika table is made of solid oak.", "Nordika")
	if score != 0 {
		t.Errorf("score = %.2f, want 0 for disjoint vocabularies", score)
	}

	// Empty caption and alt text contribute nothing.
	if score := association_service.TextualScore("", "", "some target text", "name"); score != 0 {
		t.Errorf("score = %.2f, want 0 for an uncaptioned image", score)
	}
}

func TestAssociateRanksAndCaps(t *testing.T) {
	engine, err := association_service.NewEngine(association_service.DefaultWeights(), 0.6, 2, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Twelve same-page chunks with identical embeddings: all exceed the
	// threshold, but only the per-image cap survives.
	chunks := make([]pipeline_type.Chunk, 0, 12)
	for i := 0; i < 12; i++ {
		chunks = append(chunks, pipeline_type.Chunk{
			ID:         fmt.Sprintf("c%02d", i),
			DocumentID: "doc-1",
			Ordinal:    i,
			PageHint:   3,
			Content:    "nordika oak table with extendable frame",
			Embedding:  vec(1, 0, 0),
		})
	}
	images := []pipeline_type.Image{
		{ID: "img-1", DocumentID: "doc-1", PageHint: 3, Caption: "nordika oak table", Embedding: vec(1, 0, 0)},
	}

	associations := engine.Associate("doc-1", images, chunks, nil)

	if len(associations) != 2 {
		t.Fatalf("got %d associations, want the per-image cap of 2", len(associations))
	}
	// Equal scores tie-break on target id for determinism.
	if associations[0].TargetID != "c00" || associations[1].TargetID != "c01" {
		t.Errorf("targets = [%s %s], want [c00 c01]", associations[0].TargetID, associations[1].TargetID)
	}
	if len(images[0].RelatedChunkIDs) != 2 {
		t.Errorf("image enriched with %d chunk ids, want 2", len(images[0].RelatedChunkIDs))
	}
}

func TestAssociateThresholdExcludesWeakPairs(t *testing.T) {
	engine, err := association_service.NewEngine(association_service.DefaultWeights(), 0.6, 10, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	chunks := []pipeline_type.Chunk{
		// Three pages away, no text overlap, orthogonal embedding:
		// spatial 0.4*0.4 = 0.16 combined, well under 0.6.
		{ID: "c1", DocumentID: "doc-1", PageHint: 6, Content: "warranty terms and conditions", Embedding: vec(0, 1, 0)},
	}
	images := []pipeline_type.Image{
		{ID: "img-1", DocumentID: "doc-1", PageHint: 3, Caption: "oak table", Embedding: vec(1, 0, 0)},
	}

	if associations := engine.Associate("doc-1", images, chunks, nil); len(associations) != 0 {
		t.Fatalf("got %d associations, want 0 below the score threshold", len(associations))
	}
}

func TestAssociateExcludesLowQualityChunks(t *testing.T) {
	engine, err := association_service.NewEngine(association_service.DefaultWeights(), 0.6, 10, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	chunks := []pipeline_type.Chunk{
		{ID: "c1", DocumentID: "doc-1", PageHint: 3, Content: "nordika oak table", Embedding: vec(1, 0, 0), LowQuality: true},
	}
	images := []pipeline_type.Image{
		{ID: "img-1", DocumentID: "doc-1", PageHint: 3, Caption: "nordika oak table", Embedding: vec(1, 0, 0)},
	}

	if associations := engine.Associate("doc-1", images, chunks, nil); len(associations) != 0 {
		t.Fatalf("low-quality chunks must never be association targets, got %d", len(associations))
	}
}

func TestAssociateInfersProduct(t *testing.T) {
	engine, err := association_service.NewEngine(association_service.DefaultWeights(), 0.6, 10, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	chunks := []pipeline_type.Chunk{
		{ID: "c1", DocumentID: "doc-1", PageHint: 3, Content: "nordika oak table with extendable frame", Embedding: vec(1, 0, 0)},
	}
	products := []pipeline_type.Product{
		{ID: "p1", DocumentID: "doc-1", Name: "nordika", ChunkIDs: []string{"c1"}},
	}
	images := []pipeline_type.Image{
		{ID: "img-1", DocumentID: "doc-1", PageHint: 3, Caption: "nordika oak table", Embedding: vec(1, 0, 0)},
	}

	associations := engine.Associate("doc-1", images, chunks, products)

	if images[0].ProductID != "p1" {
		t.Errorf("image product = %q, want p1", images[0].ProductID)
	}
	var kinds []pipeline_type.TargetKind
	for _, a := range associations {
		kinds = append(kinds, a.TargetKind)
	}
	if len(associations) != 2 {
		t.Fatalf("got %d associations (%v), want chunk and product targets", len(associations), kinds)
	}
}

func TestConfidenceAgreementBonus(t *testing.T) {
	engine, err := association_service.NewEngine(association_service.DefaultWeights(), 0.3, 10, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// All three sub-scores near-identical: variance below the band, so
	// confidence exceeds the combined score by the bonus.
	chunks := []pipeline_type.Chunk{
		{ID: "c1", DocumentID: "doc-1", PageHint: 4, Content: "nordika oak table", Embedding: vec(1, 1, 0)},
	}
	images := []pipeline_type.Image{
		// One page away: spatial 0.8. Caption overlap partial, visual
		// cosine between (1,1,0) and (1,0.55,0) lands nearby.
		{ID: "img-1", DocumentID: "doc-1", PageHint: 5, Caption: "nordika oak table lamp", Embedding: vec(1, 0.55, 0)},
	}

	associations := engine.Associate("doc-1", images, chunks, nil)
	if len(associations) != 1 {
		t.Fatalf("got %d associations, want 1", len(associations))
	}
	a := associations[0]
	if a.Confidence <= a.Combined {
		t.Errorf("confidence %.3f must exceed combined %.3f when sub-scores agree", a.Confidence, a.Combined)
	}
}

func TestScoresBoundedUnderBothWeightSets(t *testing.T) {
	weightSets := []struct {
		name    string
		weights association_service.Weights
	}{
		{"default weights", association_service.DefaultWeights()},
		{"spatial-heavy weights", association_service.Weights{Spatial: 0.6, Textual: 0.2, Visual: 0.2}},
	}
	for _, ws := range weightSets {
		t.Run(ws.name, func(t *testing.T) {
			engine, err := association_service.NewEngine(ws.weights, 0.3, 10, testLogger())
			if err != nil {
				t.Fatal(err)
			}

			// Every sub-score saturated: same page, full caption overlap
			// plus the verbatim-name boost, identical embeddings. The
			// zero-variance agreement bonus also fires, so this is the
			// worst case for the upper bound.
			chunks := []pipeline_type.Chunk{
				{ID: "c1", DocumentID: "doc-1", PageHint: 3, Content: "nordika oak table", Embedding: vec(1, 0, 0)},
			}
			products := []pipeline_type.Product{
				{ID: "p1", DocumentID: "doc-1", Name: "nordika", ChunkIDs: []string{"c1"}},
			}
			images := []pipeline_type.Image{
				{ID: "img-1", DocumentID: "doc-1", PageHint: 3, Caption: "nordika oak table", Embedding: vec(1, 0, 0)},
			}

			associations := engine.Associate("doc-1", images, chunks, products)
			if len(associations) == 0 {
				t.Fatal("expected saturated pairs to associate")
			}
			for _, a := range associations {
				if a.Combined < 0 || a.Combined > 1 {
					t.Errorf("combined %.3f for %s out of [0,1]", a.Combined, a.TargetID)
				}
				if a.Confidence < 0 || a.Confidence > 1 {
					t.Errorf("confidence %.3f for %s out of [0,1]", a.Confidence, a.TargetID)
				}
			}
		})
	}
}
