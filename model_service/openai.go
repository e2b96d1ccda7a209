package model_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type OpenAIService struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOpenAIService(logger *slog.Logger) *OpenAIService {
	return &OpenAIService{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

func (s *OpenAIService) Analyze(ctx context.Context, config map[string]interface{}, input TaskInput) (TaskResult, error) {
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

	requestBody, err := json.Marshal(map[string]interface{}{
		"model": modelName,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(input)},
		},
		"temperature": safeParseFloat(config["temperature"], 0),
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("error marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(requestBody))
	if err != nil {
		return TaskResult{}, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rawBody, apiErr := extractOpenAIErrorDetails(resp)
		if apiErr != nil {
			s.logger.Error("OpenAI API returned an error",
				slog.Int("status", resp.StatusCode),
				slog.String("type", apiErr.Error.Type),
				slog.String("message", apiErr.Error.Message))
			return TaskResult{}, &OpenAIHttpError{
				StatusCode: resp.StatusCode,
				Message:    apiErr.Error.Message,
				ErrorType:  apiErr.Error.Type,
				RawBody:    rawBody,
			}
		}
		return TaskResult{}, fmt.Errorf("unexpected status code from OpenAI API: %d", resp.StatusCode)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TaskResult{}, fmt.Errorf("error decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return TaskResult{}, fmt.Errorf("no choices in OpenAI response")
	}

	return parseStructuredResult(result.Choices[0].Message.Content, safeParseFloat(config["default_confidence"], 0.5)), nil
}
