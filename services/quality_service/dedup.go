package quality_service

import (
	"log/slog"
	"sort"

	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/embedding_service"
)

// Deduper suppresses exact and near duplicates within one document.
type Deduper struct {
	// SimilarityThreshold is the cosine similarity above which the later
	// chunk is suppressed in favor of the earlier.
	SimilarityThreshold float64
	// WindowSize bounds the sliding window of recent chunks compared
	// against each candidate.
	WindowSize int
	logger     *slog.Logger
}

func NewDeduper(similarityThreshold float64, windowSize int, logger *slog.Logger) *Deduper {
	if similarityThreshold <= 0 {
		similarityThreshold = 0.85
	}
	if windowSize <= 0 {
		windowSize = 20
	}
	return &Deduper{
		SimilarityThreshold: similarityThreshold,
		WindowSize:          windowSize,
		logger:              logger,
	}
}

// Dedup returns the surviving chunks in ordinal order plus the suppressed
// ones. Tier one suppresses exact duplicates by content hash; tier two
// suppresses near duplicates by embedding cosine similarity against the
// sliding window of prior survivors. The window is scanned in ascending
// ordinal order, so when several prior chunks tie above the threshold the
// earliest ordinal wins deterministically.
func (d *Deduper) Dedup(chunks []pipeline_type.Chunk) (kept, suppressed []pipeline_type.Chunk) {
	ordered := make([]pipeline_type.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	seenHashes := make(map[string]int)
	kept = make([]pipeline_type.Chunk, 0, len(ordered))

	for _, chunk := range ordered {
		if earlier, ok := seenHashes[chunk.ContentHash]; ok {
			d.logger.Info("Suppressing exact duplicate chunk",
				slog.String("document_id", chunk.DocumentID),
				slog.Int("ordinal", chunk.Ordinal),
				slog.Int("kept_ordinal", earlier))
			suppressed = append(suppressed, chunk)
			continue
		}

		if dup, against := d.nearDuplicate(chunk, kept); dup {
			d.logger.Info("Suppressing near-duplicate chunk",
				slog.String("document_id", chunk.DocumentID),
				slog.Int("ordinal", chunk.Ordinal),
				slog.Int("kept_ordinal", against))
			suppressed = append(suppressed, chunk)
			continue
		}

		seenHashes[chunk.ContentHash] = chunk.Ordinal
		kept = append(kept, chunk)
	}
	return kept, suppressed
}

func (d *Deduper) nearDuplicate(chunk pipeline_type.Chunk, kept []pipeline_type.Chunk) (bool, int) {
	if chunk.Embedding == nil {
		return false, 0
	}
	window := kept
	if len(window) > d.WindowSize {
		window = window[len(window)-d.WindowSize:]
	}
	for _, prior := range window {
		if prior.Embedding == nil {
			continue
		}
		if embedding_service.CosineSimilarity(chunk.Embedding, prior.Embedding) >= d.SimilarityThreshold {
			return true, prior.Ordinal
		}
	}
	return false, 0
}
