package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serisow/catalogpipe/services/embedding_service"
)

// SearchConfig represents the configuration for chunk similarity search
type SearchConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MaxResults          int     `json:"max_results"`
	SimilarityMetric    string  `json:"similarity_metric"`
	MinWordCount        int     `json:"min_word_count"`
	ExcludeLowQuality   bool    `json:"exclude_low_quality"`
}

// SearchRequest represents the incoming search request
type SearchRequest struct {
	Query      string       `json:"query"`
	DocumentID string       `json:"document_id,omitempty"`
	Label      string       `json:"label,omitempty"`
	Config     SearchConfig `json:"config"`
}

// SearchResult represents a single chunk search result
type SearchResult struct {
	ChunkID         string  `json:"chunk_id"`
	DocumentID      string  `json:"document_id"`
	Content         string  `json:"content"`
	Label           string  `json:"label"`
	ProductID       string  `json:"product_id,omitempty"`
	SimilarityScore float64 `json:"similarity_score"`
}

type SearchResponse struct {
	Chunks []SearchResult `json:"chunks"`
	Count  int            `json:"count"`
}

// ChunkSearchHandler handles chunk similarity search requests
type ChunkSearchHandler struct {
	db       *pgxpool.Pool
	embedder embedding_service.Embedder
	logger   *slog.Logger
}

func NewChunkSearchHandler(db *pgxpool.Pool, embedder embedding_service.Embedder, logger *slog.Logger) *ChunkSearchHandler {
	return &ChunkSearchHandler{
		db:       db,
		embedder: embedder,
		logger:   logger,
	}
}

func (h *ChunkSearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request body",
			slog.String("error", err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validateRequest(&req); err != nil {
		h.logger.Error("Invalid request parameters",
			slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Get embedding for search query
	embedding, _, err := h.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		h.logger.Error("Failed to generate embedding for search query",
			slog.String("error", err.Error()))
		http.Error(w, "Failed to process search query", http.StatusInternalServerError)
		return
	}

	// Build and execute search query
	query := h.buildSearchQuery(&req, embedding)
	rows, err := h.db.Query(r.Context(), query.query, query.args...)
	if err != nil {
		h.logger.Error("Failed to execute search query",
			slog.String("error", err.Error()))
		http.Error(w, "Database query failed", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	results := make([]SearchResult, 0)
	for rows.Next() {
		var result SearchResult
		err := rows.Scan(
			&result.ChunkID,
			&result.DocumentID,
			&result.Content,
			&result.Label,
			&result.ProductID,
			&result.SimilarityScore,
		)
		if err != nil {
			h.logger.Error("Failed to scan row",
				slog.String("error", err.Error()))
			continue
		}
		results = append(results, result)
	}

	response := SearchResponse{
		Chunks: results,
		Count:  len(results),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode response",
			slog.String("error", err.Error()))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

type queryBuilder struct {
	query string
	args  []interface{}
}

func (h *ChunkSearchHandler) buildSearchQuery(req *SearchRequest, embedding interface{}) *queryBuilder {
	qb := &queryBuilder{
		args: make([]interface{}, 0),
	}

	// Use CTE for clarity and to allow filtering by similarity score
	qb.query = `
        WITH scored_chunks AS (
            SELECT
                c.id,
                c.document_id,
                c.content,
                c.label,
                coalesce(c.product_id, '') as product_id,
                CASE WHEN $1 = 'cosine' THEN
                    1 - (c.embedding <=> $2)
                WHEN $1 = 'euclidean' THEN
                    1 / (1 + (c.embedding <-> $2))
                ELSE
                    c.embedding <#> $2
                END as similarity_score
            FROM
                chunks c
            WHERE c.embedding IS NOT NULL
    `
	qb.args = append(qb.args, req.Config.SimilarityMetric, embedding)

	if req.DocumentID != "" {
		qb.query += fmt.Sprintf(" AND c.document_id = $%d", len(qb.args)+1)
		qb.args = append(qb.args, req.DocumentID)
	}
	if req.Label != "" {
		qb.query += fmt.Sprintf(" AND c.label = $%d", len(qb.args)+1)
		qb.args = append(qb.args, req.Label)
	}
	if req.Config.ExcludeLowQuality {
		qb.query += " AND NOT c.low_quality"
	}
	if req.Config.MinWordCount > 0 {
		qb.query += fmt.Sprintf(" AND array_length(regexp_split_to_array(c.content, '\\s+'), 1) >= $%d", len(qb.args)+1)
		qb.args = append(qb.args, req.Config.MinWordCount)
	}

	qb.query += ")"

	// Now we can filter by similarity_score
	qb.query += fmt.Sprintf("\nSELECT * FROM scored_chunks WHERE similarity_score >= $%d", len(qb.args)+1)
	qb.args = append(qb.args, req.Config.SimilarityThreshold)

	qb.query += " ORDER BY similarity_score DESC"
	qb.query += fmt.Sprintf(" LIMIT $%d", len(qb.args)+1)
	qb.args = append(qb.args, req.Config.MaxResults)

	return qb
}

func (h *ChunkSearchHandler) validateRequest(req *SearchRequest) error {
	if req.Query == "" {
		return fmt.Errorf("search query cannot be empty")
	}

	if req.Config.SimilarityThreshold < 0 || req.Config.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be between 0 and 1")
	}

	if req.Config.MaxResults == 0 {
		req.Config.MaxResults = 10
	}
	if req.Config.MaxResults < 1 || req.Config.MaxResults > 50 {
		return fmt.Errorf("max results must be between 1 and 50")
	}

	if req.Config.MinWordCount < 0 {
		return fmt.Errorf("minimum word count cannot be negative")
	}

	if req.Config.SimilarityMetric == "" {
		req.Config.SimilarityMetric = "cosine"
	}
	switch req.Config.SimilarityMetric {
	case "cosine", "euclidean", "inner_product":
		// Valid metrics
	default:
		return fmt.Errorf("invalid similarity metric: %s", req.Config.SimilarityMetric)
	}

	return nil
}
