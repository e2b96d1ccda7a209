package quality_service_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/quality_service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHashContent(t *testing.T) {
	tests := []struct {
		name      string
		a         string
		b         string
		sameHash  bool
	}{
		{
			name:     "identical content",
			a:        "The X200 oak table seats six people comfortably.",
			b:        "The X200 oak table seats six people comfortably.",
			sameHash: true,
		},
		{
			name:     "reflowed whitespace hashes identically",
			a:        "The X200 oak table\nseats six people.",
			b:        "The  X200   oak table seats six people.",
			sameHash: true,
		},
		{
			name:     "case differences hash identically",
			a:        "Solid Oak Table",
			b:        "solid oak table",
			sameHash: true,
		},
		{
			name:     "different content",
			a:        "The X200 oak table.",
			b:        "The X300 pine chair.",
			sameHash: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha := quality_service.HashContent(tt.a)
			hb := quality_service.HashContent(tt.b)
			if (ha == hb) != tt.sameHash {
				t.Errorf("HashContent equality = %v, want %v", ha == hb, tt.sameHash)
			}
			if ha != quality_service.HashContent(tt.a) {
				t.Error("HashContent is not deterministic")
			}
		})
	}
}

func TestScoreSpan(t *testing.T) {
	engine := quality_service.NewEngine(0.70, testLogger())

	prose := "The Nordika dining table is crafted from solid oak and seats six people comfortably. " +
		"Its surface is treated with a natural hardwax oil that protects against moisture and daily wear. " +
		"The table can be extended with two optional leaves for larger gatherings, and the legs are " +
		"removable for easier transport through narrow doorways."
	garbage := "..,;;:: 12 // 13 // 14 :: ;; ,, .."

	proseScores := engine.ScoreSpan(prose)
	garbageScores := engine.ScoreSpan(garbage)

	if proseScores.Quality <= garbageScores.Quality {
		t.Errorf("prose quality %.2f should exceed garbage quality %.2f",
			proseScores.Quality, garbageScores.Quality)
	}
	if proseScores.Coherence <= garbageScores.Coherence {
		t.Errorf("prose coherence %.2f should exceed garbage coherence %.2f",
			proseScores.Coherence, garbageScores.Coherence)
	}

	empty := engine.ScoreSpan("   ")
	if empty.Quality != 0 || empty.Coherence != 0 {
		t.Errorf("empty span should score zero, got quality %.2f coherence %.2f",
			empty.Quality, empty.Coherence)
	}
}

func TestBuildChunkFlags(t *testing.T) {
	engine := quality_service.NewEngine(0.70, testLogger())

	tests := []struct {
		name           string
		content        string
		wantLowQuality bool
	}{
		{
			name: "substantive prose is kept",
			content: "The Nordika dining table is crafted from solid oak and seats six people. " +
				"Its surface is treated with a natural hardwax oil that protects against moisture " +
				"and daily wear, and the extendable frame adds room for two more guests. " +
				"Each leg is fastened with steel brackets that are hidden from view when assembled.",
			wantLowQuality: false,
		},
		{
			name:           "fragment is flagged low quality",
			content:        "p. 14",
			wantLowQuality: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := engine.BuildChunk("doc-1", "chunk-1", pipeline_type.RawSpan{
				Content: tt.content,
				Ordinal: 3,
			})
			if chunk.LowQuality != tt.wantLowQuality {
				t.Errorf("LowQuality = %v, want %v (quality %.2f)",
					chunk.LowQuality, tt.wantLowQuality, chunk.QualityScore)
			}
			if chunk.ContentHash == "" {
				t.Error("content hash must be set")
			}
			if chunk.Label != pipeline_type.LabelUnclassified {
				t.Errorf("new chunk label = %s, want unclassified", chunk.Label)
			}
			if chunk.Ordinal != 3 {
				t.Errorf("ordinal = %d, want 3", chunk.Ordinal)
			}
		})
	}
}

func TestBuildChunkReviewBand(t *testing.T) {
	engine := quality_service.NewEngine(0.70, testLogger())

	// A chunk whose coherence lands in [ReviewLow, ReviewHigh) must be
	// flagged for review; anything outside the band must not be.
	candidates := []string{
		"Oak table with steel frame. Extendable.",
		"Delivered flat packed, assembly required for the frame and top.",
		"Available in three finishes from March.",
		"Optional leaves sold separately for the extendable version.",
	}
	for _, content := range candidates {
		chunk := engine.BuildChunk("doc-1", "chunk-r", pipeline_type.RawSpan{Content: content})
		inBand := chunk.CoherenceScore >= engine.ReviewLow && chunk.CoherenceScore < engine.ReviewHigh
		if chunk.NeedsReview != inBand {
			t.Errorf("NeedsReview = %v but coherence %.2f in band = %v for %q",
				chunk.NeedsReview, chunk.CoherenceScore, inBand, content)
		}
	}
}
