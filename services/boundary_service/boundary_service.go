package boundary_service

import (
	"log/slog"
	"regexp"

	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/embedding_service"
)

// Structural markers that suggest the start of a new catalog entry.
var (
	// A short line of capitalized words, the way product names head
	// their sections.
	headingPattern = regexp.MustCompile(`(?m)^[A-ZÀ-Þ][A-ZÀ-Þ0-9]{2,}(?:[ -][A-ZÀ-Þ0-9]+){0,4}\s*$`)
	// Model/SKU codes: REF-1234, AB12-C, 10452-X and similar.
	skuPattern = regexp.MustCompile(`\b[A-Z]{2,}[-_/]?\d{2,}[A-Z0-9-]*\b|\b\d{4,}[-/][A-Z0-9]+\b`)
	// Size/dimension runs: 120x60 cm, 45 x 45 x 90, Ø30 mm.
	dimensionPattern = regexp.MustCompile(`(?i)\b\d+([.,]\d+)?\s*[x×]\s*\d+([.,]\d+)?(\s*[x×]\s*\d+([.,]\d+)?)?\s*(mm|cm|m|in|")?|Ø\s*\d+`)
)

type Detector struct {
	// SimilarityFloor: consecutive-chunk embedding similarity below it
	// suggests a topic boundary.
	SimilarityFloor float64
	// BoundaryThreshold: combined score at or above it starts a new
	// candidate group.
	BoundaryThreshold float64
	logger            *slog.Logger
}

func NewDetector(similarityFloor, boundaryThreshold float64, logger *slog.Logger) *Detector {
	if similarityFloor <= 0 {
		similarityFloor = 0.65
	}
	if boundaryThreshold <= 0 {
		boundaryThreshold = 0.5
	}
	return &Detector{
		SimilarityFloor:   similarityFloor,
		BoundaryThreshold: boundaryThreshold,
		logger:            logger,
	}
}

// DetectGroups scans chunks in document order and splits them into
// candidate product groups wherever the combined boundary score crosses
// the threshold. The input must already be ordered by ordinal with
// low-quality chunks excluded by the caller.
func (d *Detector) DetectGroups(chunks []pipeline_type.Chunk) [][]pipeline_type.Chunk {
	if len(chunks) == 0 {
		return nil
	}

	groups := make([][]pipeline_type.Chunk, 0)
	current := []pipeline_type.Chunk{chunks[0]}

	for i := 1; i < len(chunks); i++ {
		score := d.BoundaryScore(chunks[i-1], chunks[i])
		if score >= d.BoundaryThreshold {
			groups = append(groups, current)
			current = []pipeline_type.Chunk{chunks[i]}
			continue
		}
		current = append(current, chunks[i])
	}
	groups = append(groups, current)

	d.logger.Info("Boundary detection complete",
		slog.String("document_id", chunks[0].DocumentID),
		slog.Int("chunks", len(chunks)),
		slog.Int("groups", len(groups)))
	return groups
}

// BoundaryScore combines three signals between an adjacent chunk pair:
// semantic drop between embeddings, structural markers opening the next
// chunk, and a hard page break.
func (d *Detector) BoundaryScore(prev, next pipeline_type.Chunk) float64 {
	semantic := 0.0
	if prev.Embedding != nil && next.Embedding != nil {
		sim := embedding_service.CosineSimilarity(prev.Embedding, next.Embedding)
		if sim < d.SimilarityFloor {
			// Scale the drop below the floor into [0,1].
			semantic = (d.SimilarityFloor - sim) / d.SimilarityFloor
			if semantic > 1 {
				semantic = 1
			}
		}
	}

	structural := 0.0
	if HasStructuralMarker(next.Content) {
		structural = 1
	}

	pageBreak := 0.0
	if next.PageHint > prev.PageHint {
		pageBreak = 1
	}

	return 0.4*semantic + 0.35*structural + 0.25*pageBreak
}

// HasStructuralMarker reports whether the content opens with a name-like
// heading or contains a model/SKU or dimension pattern.
func HasStructuralMarker(content string) bool {
	return headingPattern.MatchString(content) ||
		skuPattern.MatchString(content) ||
		dimensionPattern.MatchString(content)
}
