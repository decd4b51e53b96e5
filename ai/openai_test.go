package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

func TestGenerateResponseMissingAPIKey(t *testing.T) {
	c := NewOpenAIClient("", "", "")
	_, err := c.GenerateResponse(context.Background(), "hello", nil)
	assert.True(t, errors.Is(err, core.ErrMissingAPIKey))
}

func TestGenerateResponseSuccess(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "plan ready"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
		})
	}))
	defer server.Close()

	c := NewOpenAIClient("key-1", server.URL, "gpt-4o-mini")
	resp, err := c.GenerateResponse(context.Background(), "make a plan", &core.AIOptions{
		Temperature:  0.3,
		MaxTokens:    100,
		SystemPrompt: "You are an orchestrator.",
	})
	require.NoError(t, err)

	assert.Equal(t, "plan ready", resp.Content)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer key-1", gotAuth)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "make a plan", gotReq.Messages[1].Content)
	assert.Equal(t, 100, gotReq.MaxTokens)
}

func TestGenerateResponseAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit"}}`))
	}))
	defer server.Close()

	c := NewOpenAIClient("key-1", server.URL, "")
	_, err := c.GenerateResponse(context.Background(), "p", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrRequestFailed))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGenerateResponseEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model": "m", "choices": []}`))
	}))
	defer server.Close()

	c := NewOpenAIClient("key-1", server.URL, "")
	_, err := c.GenerateResponse(context.Background(), "p", nil)
	assert.True(t, errors.Is(err, core.ErrEmptyResponse))
}

func TestGenerateResponseTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := NewOpenAIClient("key-1", server.URL, "")
	_, err := c.GenerateResponse(context.Background(), "p", &core.AIOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTimeout))
}

func TestGenerateResponseDefaultModel(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"model": "gpt-4o-mini", "choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()

	c := NewOpenAIClient("key-1", server.URL, "")
	_, err := c.GenerateResponse(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
}
