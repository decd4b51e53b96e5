package orchestration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// aiRule scripts one reply: the first rule whose match is a substring of
// the prompt wins
type aiRule struct {
	match   string
	content string
	err     error
}

// mockAIClient replays scripted responses and records every prompt it saw
type mockAIClient struct {
	mu       sync.Mutex
	rules    []aiRule
	fallback string
	err      error
	prompts  []string
}

func (m *mockAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	for _, rule := range m.rules {
		if rule.match != "" && strings.Contains(prompt, rule.match) {
			if rule.err != nil {
				return nil, rule.err
			}
			return &core.AIResponse{Content: rule.content}, nil
		}
	}
	return &core.AIResponse{Content: m.fallback}, nil
}

// promptCount returns how many recorded prompts contain the substring
func (m *mockAIClient) promptCount(match string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.prompts {
		if strings.Contains(p, match) {
			count++
		}
	}
	return count
}

// Distinctive substrings of the built-in prompt templates, for scripting
// and for counting calls per pipeline stage
const (
	promptPrecheck     = "already satisfied by data available"
	promptIntent       = "Classify the user request"
	promptPlan         = "Create the shortest execution plan"
	promptRefine       = "rejected by a reviewer"
	promptValidatePlan = "strict reviewer"
	promptSchemaCheck  = "List any field names"
	promptResolve      = "Substitute the concrete values"
	promptLoopExpand   = "Materialize the concrete iterations"
	promptGoalValidate = "judging whether executed API calls"
	promptReplan       = "closes the gap"
	promptFinalAnswer  = "Write the final answer"
)

// roundTripFunc lets a test function serve as an http.RoundTripper
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func newTestHTTPClient(fn roundTripFunc) *http.Client {
	return &http.Client{Transport: fn}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// memoryRunStore records writes so tests can assert on persistence calls
type memoryRunStore struct {
	mu       sync.Mutex
	plans    []*Plan
	steps    []ExecutionStep
	finished map[string]string
	messages []string
	nextID   int
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{finished: make(map[string]string)}
}

func (s *memoryRunStore) CreatePlan(ctx context.Context, conversationID string, plan *Plan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, plan)
	s.nextID++
	return fmt.Sprintf("plan-%d", s.nextID), nil
}

func (s *memoryRunStore) CreateStep(ctx context.Context, planID string, step ExecutionStep) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	s.nextID++
	return fmt.Sprintf("step-%d", s.nextID), nil
}

func (s *memoryRunStore) FinishStep(ctx context.Context, stepID string, duration time.Duration, response interface{}, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[stepID] = errMsg
	return nil
}

func (s *memoryRunStore) SaveMessage(ctx context.Context, conversationID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, role+": "+content)
	return nil
}

// staticRetriever serves a fixed resource catalog filtered by type
type staticRetriever struct {
	resources []Resource
	err       error
}

func (r staticRetriever) Search(ctx context.Context, query string, resourceType string, topK int) ([]Resource, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []Resource
	for _, res := range r.resources {
		if res.Type == resourceType {
			out = append(out, res)
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
