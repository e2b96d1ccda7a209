package embedding_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Embedder produces embedding vectors for text. The orchestrator and the
// search handler depend on this interface so tests can substitute a mock.
type Embedder interface {
	Embed(ctx context.Context, text string) (*pgvector.Vector, int, error)
}

type EmbeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type EmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type OpenAIEmbedder struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	model      string
}

func NewOpenAIEmbedder(apiURL, apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
	}
}

// Embed returns the embedding vector and token count for a text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (*pgvector.Vector, int, error) {
	if e.apiKey == "" {
		return nil, 0, fmt.Errorf("embedding API key not set")
	}

	requestBody := EmbeddingRequest{
		Input: text,
		Model: e.model,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var embeddingResp EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, 0, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(embeddingResp.Data) == 0 {
		return nil, 0, fmt.Errorf("no embedding data received")
	}

	vec := pgvector.NewVector(embeddingResp.Data[0].Embedding)
	return &vec, embeddingResp.Usage.TotalTokens, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 when either vector is nil, empty, zero-length in magnitude,
// or the dimensions differ.
func CosineSimilarity(a, b *pgvector.Vector) float64 {
	if a == nil || b == nil {
		return 0
	}
	as, bs := a.Slice(), b.Slice()
	if len(as) == 0 || len(as) != len(bs) {
		return 0
	}
	var dot, normA, normB float64
	for i := range as {
		dot += float64(as[i]) * float64(bs[i])
		normA += float64(as[i]) * float64(as[i])
		normB += float64(bs[i]) * float64(bs[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) (*pgvector.Vector, int, error)
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) (*pgvector.Vector, int, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	vec := pgvector.NewVector([]float32{0, 0, 0})
	return &vec, 0, nil
}
