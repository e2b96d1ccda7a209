package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/serisow/catalogpipe/model_service"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/services/consensus_service"
)

// stageInputs persists the upstream extractor's raw spans and images as
// extraction work items. Once enqueued the inputs are durable: a crash
// after this point is recoverable from the queue alone.
func (o *Orchestrator) stageInputs(ctx context.Context, documentID string, spans []pipeline_type.RawSpan, images []pipeline_type.RawImage) error {
	items := make([]pipeline_type.WorkItem, 0, len(spans)+len(images))
	for _, span := range spans {
		if span.Content == "" {
			continue
		}
		items = append(items, pipeline_type.WorkItem{
			DocumentID: documentID,
			Stage:      pipeline_type.StageExtraction,
			ItemID:     newItemID("span", span.Ordinal),
			Kind:       "span",
			Payload:    marshalPayload(span),
		})
	}
	for _, img := range images {
		items = append(items, pipeline_type.WorkItem{
			DocumentID: documentID,
			Stage:      pipeline_type.StageExtraction,
			ItemID:     newItemID("image", img.Ordinal),
			Kind:       "image",
			Payload:    marshalPayload(img),
		})
	}
	if len(items) == 0 {
		return fmt.Errorf("no raw inputs for document")
	}
	return o.store.EnqueueWorkItems(ctx, items)
}

// runExtraction consumes the staged raw inputs. Image rows are persisted
// here, span payloads ride through to the chunking stage's items.
func (o *Orchestrator) runExtraction(ctx context.Context, documentID string) error {
	return o.runStage(ctx, documentID, pipeline_type.StageExtraction, func(ctx context.Context, item pipeline_type.WorkItem) error {
		switch item.Kind {
		case "image":
			var raw pipeline_type.RawImage
			if err := json.Unmarshal(item.Payload, &raw); err != nil {
				return fmt.Errorf("decoding raw image payload: %v: %w", err, pipeline_type.ErrPermanentItem)
			}
			return o.store.SaveImage(ctx, pipeline_type.Image{
				ID:         uuid.New().String(),
				DocumentID: documentID,
				PageHint:   raw.PageHint,
				Ordinal:    raw.Ordinal,
				Caption:    raw.Caption,
				AltText:    raw.AltText,
				StorageRef: raw.StorageRef,
			})
		case "span":
			var raw pipeline_type.RawSpan
			if err := json.Unmarshal(item.Payload, &raw); err != nil {
				return fmt.Errorf("decoding raw span payload: %v: %w", err, pipeline_type.ErrPermanentItem)
			}
			// Spans carry through to the chunking stage; registering
			// them here gives the extraction band real item counts.
			return o.store.EnqueueWorkItems(ctx, []pipeline_type.WorkItem{{
				DocumentID: documentID,
				Stage:      pipeline_type.StageChunking,
				ItemID:     newItemID("span", raw.Ordinal),
				Kind:       "span",
				Payload:    item.Payload,
			}})
		default:
			return fmt.Errorf("unknown work item kind %q: %w", item.Kind, pipeline_type.ErrPermanentItem)
		}
	})
}

// runAssets embeds image captions so the association engine has a visual
// comparison vector per image.
func (o *Orchestrator) runAssets(ctx context.Context, documentID string) error {
	images, err := o.store.ListImages(ctx, documentID)
	if err != nil {
		return err
	}
	items := make([]pipeline_type.WorkItem, 0, len(images))
	for _, img := range images {
		items = append(items, pipeline_type.WorkItem{
			DocumentID: documentID,
			Stage:      pipeline_type.StageAssets,
			ItemID:     img.ID,
			Kind:       "image_embed",
		})
	}
	if err := o.store.EnqueueWorkItems(ctx, items); err != nil {
		return err
	}

	imagesByID := make(map[string]pipeline_type.Image, len(images))
	for _, img := range images {
		imagesByID[img.ID] = img
	}

	return o.runStage(ctx, documentID, pipeline_type.StageAssets, func(ctx context.Context, item pipeline_type.WorkItem) error {
		img, ok := imagesByID[item.ItemID]
		if !ok {
			return fmt.Errorf("image %s not found", item.ItemID)
		}
		text := img.Caption
		if img.AltText != "" {
			text += " " + img.AltText
		}
		if text == "" || o.embedder == nil {
			return nil
		}
		vec, _, err := o.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embedding image %s: %w", img.ID, err)
		}
		img.Embedding = vec
		return o.store.SaveImage(ctx, img)
	})
}

// runChunking scores and embeds each span into a chunk, then runs the
// dedup pass over the fully materialized ordered slice.
func (o *Orchestrator) runChunking(ctx context.Context, documentID string) error {
	err := o.runStage(ctx, documentID, pipeline_type.StageChunking, func(ctx context.Context, item pipeline_type.WorkItem) error {
		var raw pipeline_type.RawSpan
		if err := json.Unmarshal(item.Payload, &raw); err != nil {
			return fmt.Errorf("decoding span payload: %v: %w", err, pipeline_type.ErrPermanentItem)
		}
		chunk := o.quality.BuildChunk(documentID, uuid.New().String(), raw)
		if o.embedder != nil {
			vec, _, err := o.embedder.Embed(ctx, chunk.Content)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", chunk.Ordinal, err)
			}
			chunk.Embedding = vec
		}
		// The (document_id, content_hash) constraint suppresses exact
		// duplicates at write time: the first chunk with a hash wins.
		return o.store.SaveChunk(ctx, chunk)
	})
	if err != nil {
		return err
	}

	// Near-duplicate pass over the ordered survivors.
	chunks, err := o.store.ListChunks(ctx, documentID)
	if err != nil {
		return err
	}
	_, suppressed := o.deduper.Dedup(chunks)
	for _, chunk := range suppressed {
		if err := o.store.DeleteChunk(ctx, chunk.ID); err != nil {
			return err
		}
	}
	return nil
}

// runSemantic classifies surviving chunks through consensus validation
// (classification is on the critical allow-list), then computes the
// image-to-chunk association pass the product validator depends on.
func (o *Orchestrator) runSemantic(ctx context.Context, documentID string) error {
	chunks, err := o.store.ListChunks(ctx, documentID)
	if err != nil {
		return err
	}

	items := make([]pipeline_type.WorkItem, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.LowQuality {
			// Retained for audit, excluded from downstream processing.
			continue
		}
		items = append(items, pipeline_type.WorkItem{
			DocumentID: documentID,
			Stage:      pipeline_type.StageSemantic,
			ItemID:     chunk.ID,
			Kind:       "classify",
		})
	}
	if err := o.store.EnqueueWorkItems(ctx, items); err != nil {
		return err
	}

	chunksByID := make(map[string]pipeline_type.Chunk, len(chunks))
	for _, chunk := range chunks {
		chunksByID[chunk.ID] = chunk
	}

	err = o.runStage(ctx, documentID, pipeline_type.StageSemantic, func(ctx context.Context, item pipeline_type.WorkItem) error {
		chunk, ok := chunksByID[item.ItemID]
		if !ok {
			return fmt.Errorf("chunk %s not found", item.ItemID)
		}
		return o.classifyChunk(ctx, documentID, chunk)
	})
	if err != nil {
		return err
	}

	return o.associate(ctx, documentID, nil)
}

func (o *Orchestrator) classifyChunk(ctx context.Context, documentID string, chunk pipeline_type.Chunk) error {
	input := model_service.TaskInput{
		TaskType: model_service.TaskChunkClassification,
		Content:  chunk.Content,
		EntityID: chunk.ID,
	}

	var value string
	var needsReview bool
	if consensus_service.IsCritical(input.TaskType) && o.consensus != nil {
		decision, err := o.consensus.Validate(ctx, documentID, pipeline_type.StageSemantic, input)
		if err != nil {
			return err
		}
		value = decision.Value
		needsReview = decision.NeedsReview
	} else {
		outcome, err := o.escalation.ExecuteWithEscalation(ctx, documentID, pipeline_type.StageSemantic, input)
		if err != nil {
			return err
		}
		value = outcome.Result.Value
	}

	label := parseLabel(value)
	if label == pipeline_type.LabelUnclassified && value != "" && !needsReview {
		needsReview = true
	}
	return o.store.UpdateChunkClassification(ctx, chunk.ID, label, needsReview || chunk.NeedsReview)
}

func normalizeLabel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func parseLabel(value string) pipeline_type.ClassificationLabel {
	switch pipeline_type.ClassificationLabel(normalizeLabel(value)) {
	case pipeline_type.LabelProduct:
		return pipeline_type.LabelProduct
	case pipeline_type.LabelSupporting:
		return pipeline_type.LabelSupporting
	case pipeline_type.LabelAdministrative:
		return pipeline_type.LabelAdministrative
	case pipeline_type.LabelTransitional:
		return pipeline_type.LabelTransitional
	case pipeline_type.LabelIndex:
		return pipeline_type.LabelIndex
	}
	return pipeline_type.LabelUnclassified
}

// runFinalization groups chunks into candidate products, validates each
// group, then recomputes associations wholesale including the new
// products.
func (o *Orchestrator) runFinalization(ctx context.Context, documentID string) error {
	chunks, err := o.store.ListChunks(ctx, documentID)
	if err != nil {
		return err
	}
	eligible := make([]pipeline_type.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if !chunk.LowQuality {
			eligible = append(eligible, chunk)
		}
	}

	groups := o.detector.DetectGroups(eligible)
	items := make([]pipeline_type.WorkItem, 0, len(groups))
	for i, group := range groups {
		ids := make([]string, 0, len(group))
		for _, chunk := range group {
			ids = append(ids, chunk.ID)
		}
		items = append(items, pipeline_type.WorkItem{
			DocumentID: documentID,
			Stage:      pipeline_type.StageFinalization,
			ItemID:     newItemID("group", i),
			Kind:       "validate_group",
			Payload:    marshalPayload(ids),
		})
	}
	if err := o.store.EnqueueWorkItems(ctx, items); err != nil {
		return err
	}

	chunksByID := make(map[string]pipeline_type.Chunk, len(chunks))
	for _, chunk := range chunks {
		chunksByID[chunk.ID] = chunk
	}
	associations, err := o.store.ListAssociations(ctx, documentID)
	if err != nil {
		return err
	}
	imagesByChunk := make(map[string][]string)
	for _, assoc := range associations {
		if assoc.TargetKind == pipeline_type.TargetChunk {
			imagesByChunk[assoc.TargetID] = append(imagesByChunk[assoc.TargetID], assoc.ImageID)
		}
	}

	products := make([]pipeline_type.Product, 0)
	var mu sync.Mutex

	err = o.runStage(ctx, documentID, pipeline_type.StageFinalization, func(ctx context.Context, item pipeline_type.WorkItem) error {
		var ids []string
		if err := json.Unmarshal(item.Payload, &ids); err != nil {
			return fmt.Errorf("decoding group payload: %v: %w", err, pipeline_type.ErrPermanentItem)
		}
		group := make([]pipeline_type.Chunk, 0, len(ids))
		for _, id := range ids {
			if chunk, ok := chunksByID[id]; ok {
				group = append(group, chunk)
			}
		}

		imageIDs := uniqueImageIDs(group, imagesByChunk)
		product, err := o.validator.Validate(documentID, group, imageIDs)
		if err != nil {
			if errors.Is(err, pipeline_type.ErrValidationRejected) {
				// Rejection is an outcome, not an item failure.
				return nil
			}
			return err
		}

		o.enrichProduct(ctx, documentID, &product, group)
		if err := o.store.SaveProduct(ctx, product); err != nil {
			return err
		}
		for _, chunkID := range product.ChunkIDs {
			if err := o.store.AssignChunkProduct(ctx, chunkID, product.ID); err != nil {
				return err
			}
		}
		mu.Lock()
		products = append(products, product)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	return o.associate(ctx, documentID, products)
}

// enrichProduct asks the tier chain for additional attributes. Best
// effort: a failed enrichment never rejects an already validated product.
func (o *Orchestrator) enrichProduct(ctx context.Context, documentID string, product *pipeline_type.Product, group []pipeline_type.Chunk) {
	var content string
	for _, chunk := range group {
		content += chunk.Content + "\n"
	}
	outcome, err := o.escalation.ExecuteWithEscalation(ctx, documentID, pipeline_type.StageFinalization, model_service.TaskInput{
		TaskType: model_service.TaskAttributeExtraction,
		Content:  content,
		EntityID: product.ID,
	})
	if err != nil {
		o.logger.Warn("Product attribute enrichment failed",
			slog.String("product_id", product.ID),
			slog.String("error", err.Error()))
		return
	}
	if product.Attributes == nil {
		product.Attributes = make(map[string]string)
	}
	product.Attributes["model_attributes"] = outcome.Result.Value
}

// associate recomputes a document's associations wholesale and persists
// the enriched images.
func (o *Orchestrator) associate(ctx context.Context, documentID string, products []pipeline_type.Product) error {
	images, err := o.store.ListImages(ctx, documentID)
	if err != nil {
		return err
	}
	chunks, err := o.store.ListChunks(ctx, documentID)
	if err != nil {
		return err
	}
	associations := o.association.Associate(documentID, images, chunks, products)
	if err := o.store.ReplaceAssociations(ctx, documentID, associations); err != nil {
		return err
	}
	for _, img := range images {
		if err := o.store.SaveImage(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

func uniqueImageIDs(group []pipeline_type.Chunk, imagesByChunk map[string][]string) []string {
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, chunk := range group {
		for _, imageID := range imagesByChunk[chunk.ID] {
			if !seen[imageID] {
				seen[imageID] = true
				ids = append(ids, imageID)
			}
		}
	}
	return ids
}
