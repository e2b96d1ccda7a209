package model_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type GeminiService struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewGeminiService(logger *slog.Logger) *GeminiService {
	return &GeminiService{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

func (s *GeminiService) Analyze(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error) {
	apiURL, ok := config["api_url"].(string)
	if !ok {
		return TaskResult{}, fmt.Errorf("api_url not found in config")
	}

	apiKey, ok := config["api_key"].(string)
	if !ok {
		return TaskResult{}, fmt.Errorf("api_key not found in config")
	}

	url := fmt.Sprintf("%s?key=%s", apiURL, apiKey)

	requestBody, err := json.Marshal(map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"parts": []map[string]string{
					{"text": buildPrompt(input)},
				},
			},
		},
		"generationConfig": map[string]interface{}{
			"temperature": safeParseFloat(config["temperature"], 0),
		},
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("error marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBody))
	if err != nil {
		return TaskResult{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		s.logger.Error("Gemini API returned an error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return TaskResult{}, fmt.Errorf("unexpected status code from Gemini API: %d", resp.StatusCode)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TaskResult{}, fmt.Errorf("error decoding response: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return TaskResult{}, fmt.Errorf("no candidates in Gemini response")
	}

	return parseStructuredResult(result.Candidates[0].Content.Parts[0].Text, safeParseFloat(config["default_confidence"], 0.5)), nil
}
