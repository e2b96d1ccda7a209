package boundary_service

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/embedding_service"
)

type Validator struct {
	MinChunks        int
	MinChars         int
	SubstantiveFloor float64
	CoherenceFloor   float64
	OverallFloor     float64
	logger           *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		MinChunks:        2,
		MinChars:         200,
		SubstantiveFloor: 0.60,
		CoherenceFloor:   0.65,
		OverallFloor:     0.70,
		logger:           logger,
	}
}

// Validate applies the five checks to a candidate group. A group passes
// only if the overall mean reaches the floor AND the member-count and
// distinguishing-feature checks are individually satisfied; those two are
// hard gates, the others are soft and averaged. imageIDs are the images
// already associated with any member chunk. Rejected candidates are
// logged with their breakdown and discarded, never persisted.
func (v *Validator) Validate(documentID string, group []pipeline_type.Chunk, imageIDs []string) (pipeline_type.Product, error) {
	scores := v.scoreGroup(group, imageIDs)

	memberGate := scores.MemberCount == 1
	featureGate := scores.Distinguishing == 1

	if scores.Overall < v.OverallFloor || !memberGate || !featureGate {
		v.logger.Info("Candidate product rejected",
			slog.String("document_id", documentID),
			slog.Int("chunks", len(group)),
			slog.Float64("overall", scores.Overall),
			slog.Float64("member_count", scores.MemberCount),
			slog.Float64("substantive", scores.Substantive),
			slog.Float64("distinguishing", scores.Distinguishing),
			slog.Float64("image_presence", scores.ImagePresence),
			slog.Float64("coherence", scores.Coherence))
		return pipeline_type.Product{}, fmt.Errorf("overall %.2f, member gate %t, feature gate %t: %w",
			scores.Overall, memberGate, featureGate, pipeline_type.ErrValidationRejected)
	}

	attributes := ExtractAttributes(group)
	name := attributes["name"]
	if name == "" {
		name = fmt.Sprintf("product-%d", group[0].Ordinal)
	}

	product := pipeline_type.Product{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Name:       name,
		ChunkIDs:   make([]string, 0, len(group)),
		ImageIDs:   imageIDs,
		Scores:     scores,
		Attributes: attributes,
		CreatedAt:  time.Now(),
	}
	for _, chunk := range group {
		product.ChunkIDs = append(product.ChunkIDs, chunk.ID)
	}
	return product, nil
}

func (v *Validator) scoreGroup(group []pipeline_type.Chunk, imageIDs []string) pipeline_type.ValidationScores {
	var scores pipeline_type.ValidationScores

	// Check 1: minimum member and character counts.
	var totalChars int
	for _, chunk := range group {
		totalChars += len(chunk.Content)
	}
	if len(group) >= v.MinChunks && totalChars >= v.MinChars {
		scores.MemberCount = 1
	}

	// Check 2: substantive-content ratio.
	var substantive int
	for _, chunk := range group {
		substantive += substantiveChars(chunk.Content)
	}
	if totalChars > 0 {
		ratio := float64(substantive) / float64(totalChars)
		if ratio >= v.SubstantiveFloor {
			scores.Substantive = 1
		} else {
			scores.Substantive = ratio / v.SubstantiveFloor
		}
	}

	// Check 3: at least one distinguishing feature. Binary.
	for _, chunk := range group {
		if HasStructuralMarker(chunk.Content) {
			scores.Distinguishing = 1
			break
		}
	}

	// Check 4: at least one associated image. Binary.
	if len(imageIDs) > 0 {
		scores.ImagePresence = 1
	}

	// Check 5: semantic coherence across member chunks.
	coherence := groupCoherence(group)
	if coherence >= v.CoherenceFloor {
		scores.Coherence = 1
	} else if v.CoherenceFloor > 0 {
		scores.Coherence = coherence / v.CoherenceFloor
	}

	scores.Overall = (scores.MemberCount + scores.Substantive + scores.Distinguishing + scores.ImagePresence + scores.Coherence) / 5
	return scores
}

// groupCoherence averages pairwise embedding similarity between adjacent
// member chunks, falling back to the mean chunk coherence score when
// embeddings are missing.
func groupCoherence(group []pipeline_type.Chunk) float64 {
	var sum float64
	var pairs int
	for i := 1; i < len(group); i++ {
		if group[i-1].Embedding == nil || group[i].Embedding == nil {
			continue
		}
		sum += embedding_service.CosineSimilarity(group[i-1].Embedding, group[i].Embedding)
		pairs++
	}
	if pairs > 0 {
		return sum / float64(pairs)
	}
	for _, chunk := range group {
		sum += chunk.CoherenceScore
	}
	if len(group) == 0 {
		return 0
	}
	return sum / float64(len(group))
}

// substantiveChars counts characters carrying content, excluding
// whitespace runs and boilerplate-heavy lines (page footers, copyright
// lines, bare page numbers).
func substantiveChars(content string) int {
	var count int
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isBoilerplateLine(trimmed) {
			continue
		}
		for _, r := range trimmed {
			if !unicode.IsSpace(r) {
				count++
			}
		}
	}
	return count
}

var boilerplateMarkers = []string{"copyright", "©", "all rights reserved", "www.", "http", "page "}

func isBoilerplateLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range boilerplateMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	// Bare page numbers.
	if len(line) <= 4 {
		digits := true
		for _, r := range line {
			if !unicode.IsDigit(r) {
				digits = false
				break
			}
		}
		if digits {
			return true
		}
	}
	return false
}

// ExtractAttributes pulls name, code and dimension attributes out of the
// matched patterns in a group. The first heading wins the name.
func ExtractAttributes(group []pipeline_type.Chunk) map[string]string {
	attributes := make(map[string]string)
	for _, chunk := range group {
		if attributes["name"] == "" {
			if m := headingPattern.FindString(chunk.Content); m != "" {
				attributes["name"] = strings.TrimSpace(m)
			}
		}
		if attributes["code"] == "" {
			if m := skuPattern.FindString(chunk.Content); m != "" {
				attributes["code"] = strings.TrimSpace(m)
			}
		}
		if attributes["dimensions"] == "" {
			if m := dimensionPattern.FindString(chunk.Content); m != "" {
				attributes["dimensions"] = strings.TrimSpace(m)
			}
		}
	}
	for key, value := range attributes {
		if value == "" {
			delete(attributes, key)
		}
	}
	return attributes
}
