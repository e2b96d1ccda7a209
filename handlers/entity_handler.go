package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityDescriptor declares a read surface over one pipeline table. One
// handler serves every described entity; adding an entity is a
// descriptor, not new handler code.
type EntityDescriptor struct {
	Name             string
	Table            string
	IDColumn         string
	DocumentIDColumn string
	// Columns are the selected columns, in response order. Embedding
	// columns are deliberately excluded from every descriptor.
	Columns []string
	// FilterColumns maps allowed query parameters to columns.
	FilterColumns map[string]string
	OrderBy       string
	Deletable     bool
}

// Descriptors lists the entities exposed over HTTP.
func Descriptors() []EntityDescriptor {
	return []EntityDescriptor{
		{
			Name:             "chunks",
			Table:            "chunks",
			IDColumn:         "id",
			DocumentIDColumn: "document_id",
			Columns: []string{"id", "document_id", "ordinal", "content", "content_hash", "page_hint",
				"quality_score", "coherence_score", "boundary_quality", "semantic_completeness",
				"label", "product_id", "low_quality", "needs_review"},
			FilterColumns: map[string]string{
				"document_id":  "document_id",
				"label":        "label",
				"product_id":   "product_id",
				"low_quality":  "low_quality",
				"needs_review": "needs_review",
			},
			OrderBy:   "ordinal",
			Deletable: true,
		},
		{
			Name:             "images",
			Table:            "images",
			IDColumn:         "id",
			DocumentIDColumn: "document_id",
			Columns: []string{"id", "document_id", "page_hint", "ordinal", "caption", "alt_text",
				"storage_ref", "related_chunk_ids", "product_id"},
			FilterColumns: map[string]string{
				"document_id": "document_id",
				"product_id":  "product_id",
			},
			OrderBy: "ordinal",
		},
		{
			Name:             "products",
			Table:            "products",
			IDColumn:         "id",
			DocumentIDColumn: "document_id",
			Columns:          []string{"id", "document_id", "name", "chunk_ids", "image_ids", "scores", "attributes", "created_at"},
			FilterColumns: map[string]string{
				"document_id": "document_id",
				"name":        "name",
			},
			OrderBy:   "created_at",
			Deletable: true,
		},
		{
			Name:             "associations",
			Table:            "associations",
			IDColumn:         "id",
			DocumentIDColumn: "document_id",
			Columns: []string{"id", "document_id", "image_id", "target_id", "target_kind",
				"spatial_score", "textual_score", "visual_score", "combined_score", "confidence"},
			FilterColumns: map[string]string{
				"document_id": "document_id",
				"image_id":    "image_id",
				"target_id":   "target_id",
				"target_kind": "target_kind",
			},
			OrderBy: "combined_score DESC",
		},
		{
			Name:             "analysis-calls",
			Table:            "analysis_calls",
			IDColumn:         "id",
			DocumentIDColumn: "document_id",
			Columns: []string{"id", "document_id", "stage", "task_type", "tier_name", "tier_index",
				"input_ref", "confidence", "cost_units", "latency_ms", "outcome", "created_at"},
			FilterColumns: map[string]string{
				"document_id": "document_id",
				"stage":       "stage",
				"task_type":   "task_type",
				"tier_name":   "tier_name",
				"outcome":     "outcome",
			},
			OrderBy: "created_at",
		},
	}
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type EntityHandler struct {
	db         *pgxpool.Pool
	descriptor EntityDescriptor
	logger     *slog.Logger
}

func NewEntityHandler(db *pgxpool.Pool, descriptor EntityDescriptor, logger *slog.Logger) *EntityHandler {
	return &EntityHandler{
		db:         db,
		descriptor: descriptor,
		logger:     logger,
	}
}

func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		strings.Join(h.descriptor.Columns, ", "), h.descriptor.Table, h.descriptor.IDColumn)

	rows, err := h.db.Query(r.Context(), query, id)
	if err != nil {
		h.queryError(w, err)
		return
	}
	defer rows.Close()

	if !rows.Next() {
		http.Error(w, fmt.Sprintf("%s not found: %s", h.descriptor.Name, id), http.StatusNotFound)
		return
	}
	record, err := h.rowToMap(rows)
	if err != nil {
		h.queryError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1",
		strings.Join(h.descriptor.Columns, ", "), h.descriptor.Table)
	args := make([]interface{}, 0)

	for param, column := range h.descriptor.FilterColumns {
		value := r.URL.Query().Get(param)
		if value == "" {
			continue
		}
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}

	page, perPage := pagination(r)
	h.respondPage(w, r, query, args, page, perPage)
}

// EntitySearchRequest is the structured-body variant of the List filters.
type EntitySearchRequest struct {
	Filters map[string]interface{} `json:"filters"`
	Page    int                    `json:"page"`
	PerPage int                    `json:"per_page"`
}

// Search filters with a JSON body instead of query parameters. Unknown
// filter keys are rejected rather than ignored so a typo does not
// silently widen the result set.
func (h *EntityHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req EntitySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	query, args, err := h.buildFilterQuery(req.Filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	page, perPage := req.Page, req.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}

	h.respondPage(w, r, query, args, page, perPage)
}

// buildFilterQuery validates filter keys against the descriptor's
// allow-list and appends one equality predicate per key. Keys are applied
// in sorted order so the generated SQL is deterministic.
func (h *EntityHandler) buildFilterQuery(filters map[string]interface{}) (string, []interface{}, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1",
		strings.Join(h.descriptor.Columns, ", "), h.descriptor.Table)
	args := make([]interface{}, 0, len(filters))

	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		column, ok := h.descriptor.FilterColumns[key]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter for %s: %s", h.descriptor.Name, key)
		}
		args = append(args, filters[key])
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	return query, args, nil
}

func (h *EntityHandler) respondPage(w http.ResponseWriter, r *http.Request, query string, args []interface{}, page, perPage int) {
	query += " ORDER BY " + h.descriptor.OrderBy
	args = append(args, perPage)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, (page-1)*perPage)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := h.db.Query(r.Context(), query, args...)
	if err != nil {
		h.queryError(w, err)
		return
	}
	defer rows.Close()

	records := make([]map[string]interface{}, 0)
	for rows.Next() {
		record, err := h.rowToMap(rows)
		if err != nil {
			h.queryError(w, err)
			return
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		h.queryError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		h.descriptor.Name: records,
		"count":           len(records),
		"page":            page,
		"per_page":        perPage,
	})
}

// Delete removes one record after verifying it belongs to the document
// named in the request, so a caller cannot delete rows across documents
// with a guessed id.
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.descriptor.Deletable {
		http.Error(w, fmt.Sprintf("%s records cannot be deleted directly", h.descriptor.Name), http.StatusMethodNotAllowed)
		return
	}

	id := mux.Vars(r)["id"]
	documentID := r.URL.Query().Get("document_id")
	if documentID == "" {
		http.Error(w, "document_id query parameter is required", http.StatusBadRequest)
		return
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 AND %s = $2",
		h.descriptor.Table, h.descriptor.IDColumn, h.descriptor.DocumentIDColumn)
	tag, err := h.db.Exec(r.Context(), query, id, documentID)
	if err != nil {
		h.queryError(w, err)
		return
	}
	if tag.RowsAffected() == 0 {
		http.Error(w, fmt.Sprintf("%s not found for document: %s", h.descriptor.Name, id), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *EntityHandler) rowToMap(rows pgx.Rows) (map[string]interface{}, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	record := make(map[string]interface{}, len(h.descriptor.Columns))
	for i, column := range h.descriptor.Columns {
		record[column] = normalizeValue(values[i])
	}
	return record, nil
}

// normalizeValue converts driver types that do not marshal cleanly.
func normalizeValue(v interface{}) interface{} {
	switch value := v.(type) {
	case []byte:
		// JSONB columns come back as raw bytes; pass them through as
		// embedded JSON rather than base64.
		return json.RawMessage(value)
	default:
		return v
	}
}

func pagination(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}
	return page, perPage
}

func (h *EntityHandler) queryError(w http.ResponseWriter, err error) {
	h.logger.Error("Entity query failed",
		slog.String("entity", h.descriptor.Name),
		slog.String("error", err.Error()))
	http.Error(w, "Database query failed", http.StatusInternalServerError)
}
