package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

var _ Index = (*MemoryIndex)(nil)

// MemoryIndex is an in-memory index using brute-force cosine similarity.
// Suitable for tests and single-process deployments.
type MemoryIndex struct {
	embedder Embedder
	mu       sync.RWMutex
	docs     []Document
	vectors  [][]float32
}

// NewMemoryIndex creates an empty index that embeds text with embedder.
func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{embedder: embedder}
}

// Index embeds and stores doc, replacing any document with the same ID.
func (m *MemoryIndex) Index(ctx context.Context, doc Document) error {
	vec, err := m.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("embed document %s: %w", doc.ID, err)
	}
	vec = normalize(vec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.vectors) > 0 && len(vec) != len(m.vectors[0]) {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), len(m.vectors[0]))
	}
	for i := range m.docs {
		if m.docs[i].ID == doc.ID {
			m.docs[i] = doc
			m.vectors[i] = vec
			return nil
		}
	}
	m.docs = append(m.docs, doc)
	m.vectors = append(m.vectors, vec)
	return nil
}

// SimilaritySearch returns the top-k documents matching filter.
func (m *MemoryIndex) SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	q, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q = normalize(q)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for i, doc := range m.docs {
		if filter.Mode != "" && doc.Mode != filter.Mode {
			continue
		}
		if filter.ExcludeJobID != "" && doc.JobID == filter.ExcludeJobID {
			continue
		}
		if len(q) != len(m.vectors[i]) {
			return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(q), len(m.vectors[i]))
		}
		var dot float64
		for j := range q {
			dot += float64(q[j] * m.vectors[i][j])
		}
		matches = append(matches, Match{Document: doc, Score: dot})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Remove deletes a document by ID. Unknown IDs are ignored.
func (m *MemoryIndex) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.docs {
		if m.docs[i].ID == id {
			m.docs = append(m.docs[:i], m.docs[i+1:]...)
			m.vectors = append(m.vectors[:i], m.vectors[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len returns the number of indexed documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
