package association_service

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/embedding_service"
)

// Weights for the combined association score. Must sum to 1.0.
type Weights struct {
	Spatial float64
	Textual float64
	Visual  float64
}

func DefaultWeights() Weights {
	return Weights{Spatial: 0.4, Textual: 0.3, Visual: 0.3}
}

func (w Weights) Validate() error {
	sum := w.Spatial + w.Textual + w.Visual
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("association weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// spatialDecay maps page distance to spatial score. Distances beyond the
// table exclude the pair entirely.
var spatialDecay = []float64{1.0, 0.8, 0.6, 0.4}

type Engine struct {
	Weights Weights
	// ScoreThreshold: pairs at or above it are persisted.
	ScoreThreshold float64
	// MaxPerImage caps persisted associations per image, by score.
	MaxPerImage int
	logger      *slog.Logger
}

func NewEngine(weights Weights, scoreThreshold float64, maxPerImage int, logger *slog.Logger) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if scoreThreshold <= 0 {
		scoreThreshold = 0.6
	}
	if maxPerImage <= 0 {
		maxPerImage = 10
	}
	return &Engine{
		Weights:        weights,
		ScoreThreshold: scoreThreshold,
		MaxPerImage:    maxPerImage,
		logger:         logger,
	}, nil
}

// target is one candidate association target, either a chunk or a product.
type target struct {
	id       string
	kind     pipeline_type.TargetKind
	pageHint int
	name     string
	text     string
	vec      *pgvector.Vector
}

// Associate recomputes associations wholesale for one document run. Every
// (image, chunk-or-product) pair within the page-proximity window gets a
// combined spatial/textual/visual score; pairs at or above the threshold
// are kept, capped per image. Images are enriched in place with their
// ranked related chunk ids and inferred product id.
func (e *Engine) Associate(documentID string, images []pipeline_type.Image, chunks []pipeline_type.Chunk, products []pipeline_type.Product) []pipeline_type.Association {
	chunksByID := make(map[string]pipeline_type.Chunk, len(chunks))
	for _, c := range chunks {
		chunksByID[c.ID] = c
	}

	targets := make([]target, 0, len(chunks)+len(products))
	for _, c := range chunks {
		if c.LowQuality {
			continue
		}
		t := target{id: c.ID, kind: pipeline_type.TargetChunk, pageHint: c.PageHint, text: c.Content}
		if c.Embedding != nil {
			t.vec = c.Embedding
		}
		targets = append(targets, t)
	}
	for _, p := range products {
		targets = append(targets, target{
			id:       p.ID,
			kind:     pipeline_type.TargetProduct,
			pageHint: productPage(p, chunksByID),
			name:     p.Name,
			text:     productText(p, chunksByID),
			vec:      productVector(p, chunksByID),
		})
	}

	all := make([]pipeline_type.Association, 0)
	for i := range images {
		img := &images[i]
		scored := e.scoreImage(documentID, img, targets)
		if len(scored) > e.MaxPerImage {
			scored = scored[:e.MaxPerImage]
		}

		img.RelatedChunkIDs = img.RelatedChunkIDs[:0]
		img.ProductID = ""
		for _, assoc := range scored {
			if assoc.TargetKind == pipeline_type.TargetChunk {
				img.RelatedChunkIDs = append(img.RelatedChunkIDs, assoc.TargetID)
			} else if img.ProductID == "" {
				img.ProductID = assoc.TargetID
			}
		}
		all = append(all, scored...)
	}

	e.logger.Info("Association pass complete",
		slog.String("document_id", documentID),
		slog.Int("images", len(images)),
		slog.Int("associations", len(all)))
	return all
}

func (e *Engine) scoreImage(documentID string, img *pipeline_type.Image, targets []target) []pipeline_type.Association {
	scored := make([]pipeline_type.Association, 0)
	for _, t := range targets {
		spatial, ok := SpatialScore(img.PageHint, t.pageHint)
		if !ok {
			continue
		}
		textual := TextualScore(img.Caption, img.AltText, t.text, t.name)
		visual := 0.0
		if img.Embedding != nil && t.vec != nil {
			visual = embedding_service.CosineSimilarity(img.Embedding, t.vec)
		}

		combined := e.Weights.Spatial*spatial + e.Weights.Textual*textual + e.Weights.Visual*visual
		if combined < e.ScoreThreshold {
			continue
		}

		scored = append(scored, pipeline_type.Association{
			ID:         uuid.New().String(),
			DocumentID: documentID,
			ImageID:    img.ID,
			TargetID:   t.id,
			TargetKind: t.kind,
			Spatial:    spatial,
			Textual:    textual,
			Visual:     visual,
			Combined:   combined,
			Confidence: confidence(combined, spatial, textual, visual),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Combined != scored[j].Combined {
			return scored[i].Combined > scored[j].Combined
		}
		return scored[i].TargetID < scored[j].TargetID
	})
	return scored
}

// SpatialScore returns the proximity contribution for a page distance and
// whether the pair is inside the window at all.
func SpatialScore(imagePage, targetPage int) (float64, bool) {
	distance := imagePage - targetPage
	if distance < 0 {
		distance = -distance
	}
	if distance >= len(spatialDecay) {
		return 0, false
	}
	return spatialDecay[distance], true
}

// TextualScore is the token-overlap ratio between the image caption/alt
// text and the target description, boosted when the target's name appears
// verbatim in the caption.
func TextualScore(caption, altText, targetText, targetName string) float64 {
	imageTokens := tokenSet(caption + " " + altText)
	targetTokens := tokenSet(targetText + " " + targetName)
	if len(imageTokens) == 0 || len(targetTokens) == 0 {
		return 0
	}

	var overlap int
	for token := range imageTokens {
		if targetTokens[token] {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(imageTokens))

	if targetName != "" && strings.Contains(strings.ToLower(caption), strings.ToLower(targetName)) {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

// confidence rewards agreement across the three signals over a single
// strong one: a small bonus applies when the sub-scores have low variance.
func confidence(combined, spatial, textual, visual float64) float64 {
	mean := (spatial + textual + visual) / 3
	variance := ((spatial-mean)*(spatial-mean) + (textual-mean)*(textual-mean) + (visual-mean)*(visual-mean)) / 3
	conf := combined
	if variance < 0.02 {
		conf += 0.05
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?()\"'")
		if len(token) < 3 {
			continue
		}
		set[token] = true
	}
	return set
}

func productPage(p pipeline_type.Product, chunks map[string]pipeline_type.Chunk) int {
	for _, id := range p.ChunkIDs {
		if c, ok := chunks[id]; ok {
			return c.PageHint
		}
	}
	return 0
}

// productVector borrows the first member chunk embedding as the product's
// visual-comparison vector; products carry no embedding of their own.
func productVector(p pipeline_type.Product, chunks map[string]pipeline_type.Chunk) *pgvector.Vector {
	for _, id := range p.ChunkIDs {
		if c, ok := chunks[id]; ok && c.Embedding != nil {
			return c.Embedding
		}
	}
	return nil
}

func productText(p pipeline_type.Product, chunks map[string]pipeline_type.Chunk) string {
	var b strings.Builder
	for _, id := range p.ChunkIDs {
		if c, ok := chunks[id]; ok {
			b.WriteString(c.Content)
			b.WriteString(" ")
		}
	}
	return b.String()
}
