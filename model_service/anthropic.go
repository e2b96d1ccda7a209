package model_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

type AnthropicService struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewAnthropicService(logger *slog.Logger) *AnthropicService {
	return &AnthropicService{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

func (s *AnthropicService) Analyze(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error) {
	apiURL, ok := config["api_url"].(string)
	if !ok {
		return TaskResult{}, fmt.Errorf("api_url not found in config")
	}

	apiKey, ok := config["api_key"].(string)
	if !ok {
		return TaskResult{}, fmt.Errorf("api_key not found in config")
	}

	modelName, ok := config["model_name"].(string)
	if !ok {
		return TaskResult{}, fmt.Errorf("model_name not found in config")
	}

	maxTokens, ok := config["max_tokens"]
	if !ok {
		maxTokens = 1024
	}

	// Convert maxTokens to int, handling both string and float64 cases
	var maxTokensInt int
	switch v := maxTokens.(type) {
	case string:
		parsedValue, err := strconv.Atoi(v)
		if err != nil {
			return TaskResult{}, fmt.Errorf("failed to parse max_tokens as integer: %w", err)
		}
		maxTokensInt = parsedValue
	case float64:
		maxTokensInt = int(v)
	case int:
		maxTokensInt = v
	default:
		return TaskResult{}, fmt.Errorf("unexpected type for max_tokens: %T", maxTokens)
	}

	requestBody, err := json.Marshal(map[string]interface{}{
		"model": modelName,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(input)},
		},
		"max_tokens": maxTokensInt,
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("error marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(requestBody))
	if err != nil {
		return TaskResult{}, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TaskResult{}, fmt.Errorf("unexpected status code from Anthropic API: %d", resp.StatusCode)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TaskResult{}, fmt.Errorf("error decoding response: %w", err)
	}
	if len(result.Content) == 0 {
		return TaskResult{}, fmt.Errorf("no content in Anthropic response")
	}

	return parseStructuredResult(result.Content[0].Text, safeParseFloat(config["default_confidence"], 0.5)), nil
}
