// Package retrieval serves the API and table-schema catalog to the
// planner. The in-memory index ranks by embedding similarity when vectors
// are available and falls back to keyword overlap otherwise.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
	"github.com/ElasticDash/ElasticDash-BE-sub001/orchestration"
)

// Embedder turns free text into a vector. Optional: without one, queries
// are matched by keyword overlap only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// MemoryRetriever is a thread-safe in-memory resource index
type MemoryRetriever struct {
	mu        sync.RWMutex
	resources []orchestration.Resource
	embedder  Embedder
	logger    core.Logger
}

// NewMemoryRetriever creates an empty index. embedder may be nil.
func NewMemoryRetriever(embedder Embedder) *MemoryRetriever {
	return &MemoryRetriever{embedder: embedder}
}

// SetLogger sets the logger provider
func (m *MemoryRetriever) SetLogger(logger core.Logger) {
	if logger == nil {
		m.logger = &core.NoOpLogger{}
	} else {
		m.logger = logger
	}
}

// Add indexes resources. Existing entries with the same name and type are
// replaced rather than duplicated.
func (m *MemoryRetriever) Add(resources ...orchestration.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resources {
		replaced := false
		for i := range m.resources {
			if m.resources[i].Name == r.Name && m.resources[i].Type == r.Type {
				m.resources[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			m.resources = append(m.resources, r)
		}
	}
}

// Len returns the number of indexed resources
func (m *MemoryRetriever) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.resources)
}

type scored struct {
	resource orchestration.Resource
	score    float64
}

// Search returns up to topK resources of the given type ranked by
// relevance to the query
func (m *MemoryRetriever) Search(ctx context.Context, query string, resourceType string, topK int) ([]orchestration.Resource, error) {
	if topK <= 0 {
		return nil, nil
	}

	var queryVec []float64
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, query)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("Query embedding failed, falling back to keyword match", map[string]interface{}{
					"operation": "resource_search",
					"error":     err.Error(),
				})
			}
		} else {
			queryVec = vec
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]scored, 0, len(m.resources))
	for _, r := range m.resources {
		if resourceType != "" && r.Type != resourceType {
			continue
		}
		score := 0.0
		if queryVec != nil && len(r.Embedding) == len(queryVec) && len(queryVec) > 0 {
			score = cosineSimilarity(queryVec, r.Embedding)
		} else {
			score = keywordOverlap(query, r)
		}
		candidates = append(candidates, scored{resource: r, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]orchestration.Resource, len(candidates))
	for i, c := range candidates {
		out[i] = c.resource
	}
	return out, nil
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// keywordOverlap scores by the fraction of query tokens appearing in the
// resource's name, endpoint or content
func keywordOverlap(query string, r orchestration.Resource) float64 {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return 0
	}
	haystack := strings.ToLower(r.Name + " " + r.Endpoint + " " + r.Content)

	matched := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
