// Package ai provides the LLM client used by the orchestration engine.
// The client speaks the OpenAI chat-completions wire format, which also
// covers every OpenAI-compatible gateway when BaseURL is overridden.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient implements core.AIClient against a chat-completions endpoint
type OpenAIClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       core.Logger
	telemetry    core.Telemetry
}

// NewOpenAIClient creates a client. An empty baseURL targets the OpenAI API.
func NewOpenAIClient(apiKey, baseURL, defaultModel string) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIClient{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (c *OpenAIClient) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else {
		c.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (c *OpenAIClient) SetTelemetry(telemetry core.Telemetry) {
	if telemetry == nil {
		c.telemetry = &core.NoOpTelemetry{}
	} else {
		c.telemetry = telemetry
	}
}

// SetHTTPClient replaces the outbound HTTP client (used by tests)
func (c *OpenAIClient) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateResponse issues one chat-completions call
func (c *OpenAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "ai.generate_response")
	defer span.End()
	span.SetAttribute("ai.prompt_length", len(prompt))

	if c.apiKey == "" {
		err := fmt.Errorf("ai: %w", core.ErrMissingAPIKey)
		span.RecordError(err)
		return nil, err
	}

	if options == nil {
		options = &core.AIOptions{}
	}
	model := options.Model
	if model == "" {
		model = c.defaultModel
	}
	span.SetAttribute("ai.model", model)

	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	messages := make([]chatMessage, 0, 2)
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("ai: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("ai: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("ai: %w: %v", core.ErrTimeout, err)
		}
		if ctx.Err() == context.Canceled {
			return nil, fmt.Errorf("ai: %w: %v", core.ErrContextCanceled, err)
		}
		return nil, fmt.Errorf("ai: %w: %v", core.ErrConnectionFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("ai: failed to read response: %w", err)
	}

	var parsed chatResponse
	parseErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := "request failed"
		if parseErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		err := fmt.Errorf("ai: %w: status %d: %s", core.ErrRequestFailed, resp.StatusCode, msg)
		span.RecordError(err)
		span.SetAttribute("http.status_code", resp.StatusCode)
		if c.logger != nil {
			c.logger.Error("AI request failed", map[string]interface{}{
				"operation":   "ai_request_error",
				"model":       model,
				"status_code": resp.StatusCode,
				"error":       msg,
			})
		}
		return nil, err
	}

	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		err := fmt.Errorf("ai: %w", core.ErrEmptyResponse)
		span.RecordError(err)
		return nil, err
	}

	result := &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}

	span.SetAttribute("ai.total_tokens", result.Usage.TotalTokens)
	span.SetAttribute("ai.response_length", len(result.Content))
	c.telemetry.RecordMetric("ai.tokens.total", float64(result.Usage.TotalTokens), map[string]string{"model": model})

	if c.logger != nil {
		c.logger.Debug("AI response received", map[string]interface{}{
			"operation":    "ai_response",
			"model":        result.Model,
			"total_tokens": result.Usage.TotalTokens,
			"duration_ms":  time.Since(startTime).Milliseconds(),
		})
	}
	return result, nil
}
