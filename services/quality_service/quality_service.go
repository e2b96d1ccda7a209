package quality_service

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"unicode"

	"github.com/serisow/catalogpipe/pipeline_type"
)

// Scores carries the per-span heuristic scores. Coherence is the mean of
// the other three.
type Scores struct {
	Quality              float64
	BoundaryQuality      float64
	SemanticCompleteness float64
	Coherence            float64
}

type Engine struct {
	// QualityFloor marks spans below it low-quality. They are retained
	// for audit but excluded from product/association processing.
	QualityFloor float64
	// ReviewLow/ReviewHigh bound the borderline coherence band that is
	// flagged for manual review instead of auto-accept/auto-reject.
	ReviewLow  float64
	ReviewHigh float64
	logger     *slog.Logger
}

func NewEngine(qualityFloor float64, logger *slog.Logger) *Engine {
	if qualityFloor <= 0 {
		qualityFloor = 0.70
	}
	return &Engine{
		QualityFloor: qualityFloor,
		ReviewLow:    0.60,
		ReviewHigh:   0.70,
		logger:       logger,
	}
}

// HashContent returns the canonical content hash used for exact-duplicate
// suppression. Whitespace is collapsed first so reflowed copies of the
// same text hash identically.
func HashContent(content string) string {
	normalized := strings.Join(strings.Fields(content), " ")
	sum := sha256.Sum256([]byte(strings.ToLower(normalized)))
	return hex.EncodeToString(sum[:])
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "in": true, "on": true, "to": true, "for": true,
	"with": true, "is": true, "are": true, "was": true, "be": true,
	"at": true, "by": true, "as": true, "it": true, "this": true,
	"that": true, "from": true,
}

// ScoreSpan computes the heuristic quality scores for one raw span.
func (e *Engine) ScoreSpan(content string) Scores {
	s := Scores{
		Quality:              qualityScore(content),
		BoundaryQuality:      boundaryQualityScore(content),
		SemanticCompleteness: completenessScore(content),
	}
	s.Coherence = (s.Quality + s.BoundaryQuality + s.SemanticCompleteness) / 3
	return s
}

// qualityScore combines length, punctuation density and stop-word ratio.
func qualityScore(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}

	lengthScore := float64(len(trimmed)) / 400
	if lengthScore > 1 {
		lengthScore = 1
	}

	var punct, letters int
	for _, r := range trimmed {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			punct++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			letters++
		}
	}
	total := punct + letters
	punctScore := 0.0
	if total > 0 {
		density := float64(punct) / float64(total)
		// Natural prose sits well under 25% punctuation. Tables of
		// codes and page-number runs sit far above it.
		switch {
		case density <= 0.15:
			punctScore = 1
		case density <= 0.30:
			punctScore = 1 - (density-0.15)/0.15*0.5
		default:
			punctScore = 0.5 - (density - 0.30)
			if punctScore < 0 {
				punctScore = 0
			}
		}
	}

	words := strings.Fields(strings.ToLower(trimmed))
	stopScore := 0.3
	if len(words) > 0 {
		var stops int
		for _, w := range words {
			if stopWords[strings.Trim(w, ".,;:!?")] {
				stops++
			}
		}
		ratio := float64(stops) / float64(len(words))
		// Real sentences carry some function words. Index lists and
		// spec tables carry almost none; filler text carries too many.
		switch {
		case ratio >= 0.15 && ratio <= 0.50:
			stopScore = 1
		case ratio < 0.15:
			stopScore = 0.3 + ratio/0.15*0.7
		default:
			stopScore = 1 - (ratio - 0.50)
			if stopScore < 0.2 {
				stopScore = 0.2
			}
		}
	}

	return (lengthScore + punctScore + stopScore) / 3
}

// boundaryQualityScore checks whether the span starts and ends at a
// natural break.
func boundaryQualityScore(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}
	score := 0.0

	first := []rune(trimmed)[0]
	if unicode.IsUpper(first) || unicode.IsDigit(first) || first == '-' || first == '•' {
		score += 0.5
	}

	last := []rune(trimmed)[len([]rune(trimmed))-1]
	switch last {
	case '.', '!', '?', ':', '"', '\'', ')':
		score += 0.5
	}
	return score
}

// completenessScore checks whether the span contains at least one complete
// clause.
func completenessScore(content string) float64 {
	trimmed := strings.TrimSpace(content)
	words := strings.Fields(trimmed)
	if len(words) == 0 {
		return 0
	}

	score := 0.0
	if len(words) >= 5 {
		score += 0.4
	} else {
		score += float64(len(words)) / 5 * 0.4
	}
	if strings.ContainsAny(trimmed, ".!?") {
		score += 0.4
	}
	// A clause needs something verb-like; common auxiliaries and
	// copulas are a cheap proxy.
	lower := " " + strings.ToLower(trimmed) + " "
	for _, verb := range []string{" is ", " are ", " was ", " were ", " has ", " have ", " can ", " will ", " provides ", " features ", " includes ", " offers ", " comes "} {
		if strings.Contains(lower, verb) {
			score += 0.2
			break
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// BuildChunk scores one raw span into a chunk, setting the low-quality
// and review flags. The content hash and embedding-based dedup run later,
// over the fully materialized ordered slice.
func (e *Engine) BuildChunk(documentID, chunkID string, span pipeline_type.RawSpan) pipeline_type.Chunk {
	scores := e.ScoreSpan(span.Content)
	chunk := pipeline_type.Chunk{
		ID:                   chunkID,
		DocumentID:           documentID,
		Ordinal:              span.Ordinal,
		Content:              span.Content,
		ContentHash:          HashContent(span.Content),
		PageHint:             span.PageHint,
		QualityScore:         scores.Quality,
		CoherenceScore:       scores.Coherence,
		BoundaryQuality:      scores.BoundaryQuality,
		SemanticCompleteness: scores.SemanticCompleteness,
		Label:                pipeline_type.LabelUnclassified,
	}
	if scores.Quality < e.QualityFloor {
		chunk.LowQuality = true
	}
	if scores.Coherence >= e.ReviewLow && scores.Coherence < e.ReviewHigh {
		chunk.NeedsReview = true
	}
	return chunk
}
