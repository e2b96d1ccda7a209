package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/serisow/catalogpipe/orchestrator"
	"github.com/serisow/catalogpipe/pipeline_type"
	"github.com/serisow/catalogpipe/store"
)

// IngestRequest carries the pre-extracted spans and images for one
// document. Extraction itself happens upstream; the pipeline starts from
// this payload.
type IngestRequest struct {
	Spans  []pipeline_type.RawSpan  `json:"spans"`
	Images []pipeline_type.RawImage `json:"images"`
}

type DocumentHandler struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
}

func NewDocumentHandler(st *store.Store, orch *orchestrator.Orchestrator, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{
		store:        st,
		orchestrator: orch,
		logger:       logger,
	}
}

// IngestDocument accepts a document's extracted spans and images,
// registers the document and starts the pipeline in the background.
func (h *DocumentHandler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Spans) == 0 {
		http.Error(w, "Document must contain at least one text span", http.StatusBadRequest)
		return
	}

	doc := pipeline_type.Document{
		ID:           uuid.New().String(),
		State:        pipeline_type.DocumentReceived,
		CurrentStage: pipeline_type.StageExtraction,
	}
	if err := h.store.CreateDocument(r.Context(), doc); err != nil {
		h.logger.Error("Failed to create document",
			slog.String("error", err.Error()))
		http.Error(w, "Failed to register document", http.StatusInternalServerError)
		return
	}

	go func() {
		// The pipeline outlives the HTTP request.
		err := h.orchestrator.ProcessDocument(context.Background(), doc.ID, req.Spans, req.Images)
		if err != nil {
			h.logger.Error("Pipeline run failed",
				slog.String("document_id", doc.ID),
				slog.String("error", err.Error()))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"document_id": doc.ID,
		"message":     "Document processing started",
	})
}

// JobStatusResponse is the progress surface for one document run.
type JobStatusResponse struct {
	DocumentID      string                      `json:"document_id"`
	State           pipeline_type.DocumentState `json:"state"`
	Stage           pipeline_type.Stage         `json:"stage"`
	ProgressPercent int                         `json:"progress_percent"`
	ItemCounts      pipeline_type.ItemCounts    `json:"item_counts"`
	ElapsedMs       int64                       `json:"elapsed_ms"`
	FailureReason   string                      `json:"failure_reason,omitempty"`
	ItemFailures    map[string]string           `json:"item_failures,omitempty"`
}

func (h *DocumentHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]

	doc, err := h.store.GetDocument(r.Context(), documentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Document not found: %s", documentID), http.StatusNotFound)
		return
	}

	progress, err := h.store.GetStageProgress(r.Context(), documentID)
	if err != nil {
		h.logger.Error("Failed to load stage progress",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to load progress", http.StatusInternalServerError)
		return
	}
	counts, err := h.store.ItemCounts(r.Context(), documentID)
	if err != nil {
		h.logger.Error("Failed to load item counts",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to load item counts", http.StatusInternalServerError)
		return
	}

	resp := JobStatusResponse{
		DocumentID:      doc.ID,
		State:           doc.State,
		Stage:           doc.CurrentStage,
		ProgressPercent: overallProgress(doc, progress),
		ItemCounts:      counts,
		ElapsedMs:       doc.ElapsedMs,
		FailureReason:   doc.FailureReason,
	}
	if doc.State == pipeline_type.DocumentFailed {
		failures, err := h.store.ItemFailures(r.Context(), documentID)
		if err != nil {
			h.logger.Error("Failed to load item failures",
				slog.String("document_id", documentID),
				slog.String("error", err.Error()))
		} else {
			resp.ItemFailures = failures
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// overallProgress reduces per-stage progress to a single percentage.
// Each stage reports an absolute value within its own band, so the
// maximum across stages is the document's furthest point.
func overallProgress(doc pipeline_type.Document, progress map[pipeline_type.Stage]int) int {
	if doc.State == pipeline_type.DocumentCompleted {
		return 100
	}
	max := 0
	for _, v := range progress {
		if v > max {
			max = v
		}
	}
	return max
}

func (h *DocumentHandler) GetAnalysisSummary(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]

	if _, err := h.store.GetDocument(r.Context(), documentID); err != nil {
		http.Error(w, fmt.Sprintf("Document not found: %s", documentID), http.StatusNotFound)
		return
	}

	summary, err := h.store.GetAnalysisSummary(r.Context(), documentID)
	if err != nil {
		h.logger.Error("Failed to build analysis summary",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to build analysis summary", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// CancelJob flags a running document for cancellation. Workers stop
// claiming items between work units; committed results stay.
func (h *DocumentHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]

	doc, err := h.store.GetDocument(r.Context(), documentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Document not found: %s", documentID), http.StatusNotFound)
		return
	}
	if doc.State == pipeline_type.DocumentCompleted || doc.State == pipeline_type.DocumentFailed {
		http.Error(w, "Document run already finished", http.StatusConflict)
		return
	}

	h.orchestrator.Cancel(documentID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"document_id": documentID,
		"message":     "Cancellation requested",
	})
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]

	doc, err := h.store.GetDocument(r.Context(), documentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Document not found: %s", documentID), http.StatusNotFound)
		return
	}
	if doc.State == pipeline_type.DocumentProcessing {
		http.Error(w, "Cannot delete a document while its run is in progress", http.StatusConflict)
		return
	}

	if err := h.store.DeleteDocument(r.Context(), documentID); err != nil {
		h.logger.Error("Failed to delete document",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to delete document", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
