package handlers

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/serisow/catalogpipe/pipeline_type"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOverallProgress(t *testing.T) {
	tests := []struct {
		name     string
		state    pipeline_type.DocumentState
		progress map[pipeline_type.Stage]int
		want     int
	}{
		{
			name:  "completed documents always report 100",
			state: pipeline_type.DocumentCompleted,
			progress: map[pipeline_type.Stage]int{
				pipeline_type.StageFinalization: 97,
			},
			want: 100,
		},
		{
			name:  "running document reports the furthest band",
			state: pipeline_type.DocumentProcessing,
			progress: map[pipeline_type.Stage]int{
				pipeline_type.StageExtraction: 20,
				pipeline_type.StageAssets:     40,
				pipeline_type.StageChunking:   52,
			},
			want: 52,
		},
		{
			name:     "no progress rows yet",
			state:    pipeline_type.DocumentReceived,
			progress: map[pipeline_type.Stage]int{},
			want:     0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := pipeline_type.Document{State: tt.state}
			if got := overallProgress(doc, tt.progress); got != tt.want {
				t.Errorf("overallProgress = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIngestDocumentRejectsBadRequests(t *testing.T) {
	handler := NewDocumentHandler(nil, nil, testLogger())

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"no spans", `{"spans": [], "images": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/documents", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.IngestDocument(w, r)
			if w.Code != 400 {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantPage    int
		wantPerPage int
	}{
		{"defaults", "", 1, defaultPageSize},
		{"explicit", "page=3&per_page=25", 3, 25},
		{"capped", "per_page=100000", 1, maxPageSize},
		{"negative page clamps", "page=-4", 1, defaultPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/chunks?"+tt.query, nil)
			page, perPage := pagination(r)
			if page != tt.wantPage || perPage != tt.wantPerPage {
				t.Errorf("pagination = (%d, %d), want (%d, %d)", page, perPage, tt.wantPage, tt.wantPerPage)
			}
		})
	}
}

func TestDescriptors(t *testing.T) {
	seen := make(map[string]bool)
	for _, d := range Descriptors() {
		if seen[d.Name] {
			t.Errorf("duplicate descriptor name %s", d.Name)
		}
		seen[d.Name] = true

		if d.Table == "" || d.IDColumn == "" || d.DocumentIDColumn == "" || d.OrderBy == "" {
			t.Errorf("descriptor %s is missing required fields", d.Name)
		}
		if _, ok := d.FilterColumns["document_id"]; !ok {
			t.Errorf("descriptor %s must allow filtering by document", d.Name)
		}
		for _, column := range d.Columns {
			if column == "embedding" {
				t.Errorf("descriptor %s must not expose the embedding column", d.Name)
			}
		}
	}
	for _, want := range []string{"chunks", "images", "products", "associations", "analysis-calls"} {
		if !seen[want] {
			t.Errorf("missing descriptor %s", want)
		}
	}
}

func TestBuildFilterQuery(t *testing.T) {
	handler := NewEntityHandler(nil, EntityDescriptor{
		Name:          "chunks",
		Table:         "chunks",
		IDColumn:      "id",
		Columns:       []string{"id", "label"},
		FilterColumns: map[string]string{"document_id": "document_id", "label": "label"},
		OrderBy:       "ordinal",
	}, testLogger())

	query, args, err := handler.buildFilterQuery(map[string]interface{}{
		"label":       "product",
		"document_id": "doc-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Keys apply in sorted order, so document_id binds first.
	if !strings.Contains(query, "document_id = $1") || !strings.Contains(query, "label = $2") {
		t.Errorf("unexpected predicate order:\n%s", query)
	}
	if len(args) != 2 || args[0] != "doc-1" || args[1] != "product" {
		t.Errorf("args = %v", args)
	}

	if _, _, err := handler.buildFilterQuery(map[string]interface{}{"ordinal": 3}); err == nil {
		t.Error("expected error for disallowed filter key")
	}
}

func TestSearchValidateRequest(t *testing.T) {
	handler := &ChunkSearchHandler{logger: testLogger()}

	tests := []struct {
		name    string
		req     SearchRequest
		wantErr bool
	}{
		{
			name:    "valid with defaults",
			req:     SearchRequest{Query: "oak table"},
			wantErr: false,
		},
		{
			name:    "empty query",
			req:     SearchRequest{Query: ""},
			wantErr: true,
		},
		{
			name: "threshold out of range",
			req: SearchRequest{Query: "oak", Config: SearchConfig{
				SimilarityThreshold: 1.5,
			}},
			wantErr: true,
		},
		{
			name: "too many results",
			req: SearchRequest{Query: "oak", Config: SearchConfig{
				MaxResults: 500,
			}},
			wantErr: true,
		},
		{
			name: "bad metric",
			req: SearchRequest{Query: "oak", Config: SearchConfig{
				SimilarityMetric: "manhattan",
			}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handler.validateRequest(&tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRequest error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSearchValidateRequestDefaults(t *testing.T) {
	handler := &ChunkSearchHandler{logger: testLogger()}
	req := SearchRequest{Query: "oak table"}
	if err := handler.validateRequest(&req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Config.MaxResults != 10 {
		t.Errorf("max results default = %d, want 10", req.Config.MaxResults)
	}
	if req.Config.SimilarityMetric != "cosine" {
		t.Errorf("metric default = %q, want cosine", req.Config.SimilarityMetric)
	}
}

func TestBuildSearchQuery(t *testing.T) {
	handler := &ChunkSearchHandler{logger: testLogger()}
	req := SearchRequest{
		Query:      "oak table",
		DocumentID: "doc-1",
		Label:      "product",
		Config: SearchConfig{
			SimilarityThreshold: 0.7,
			MaxResults:          5,
			SimilarityMetric:    "cosine",
			MinWordCount:        10,
			ExcludeLowQuality:   true,
		},
	}

	qb := handler.buildSearchQuery(&req, "embedding-placeholder")

	// metric, embedding, document, label, min words, threshold, limit
	if len(qb.args) != 7 {
		t.Fatalf("got %d args, want 7: %v", len(qb.args), qb.args)
	}
	for _, fragment := range []string{"c.document_id =", "c.label =", "NOT c.low_quality", "similarity_score >=", "ORDER BY similarity_score DESC", "LIMIT"} {
		if !strings.Contains(qb.query, fragment) {
			t.Errorf("query missing %q:\n%s", fragment, qb.query)
		}
	}
}
