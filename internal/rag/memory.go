package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
)

// Memory implements [Index] in process memory. Meant for tests and local
// development; search is a linear scan.
type Memory struct {
	embedder embeddings.Provider

	mu   sync.RWMutex
	docs map[string]memDoc
}

type memDoc struct {
	doc Document
	vec []float32
}

// Compile-time interface assertion.
var _ Index = (*Memory)(nil)

// NewMemory returns an empty in-memory index.
func NewMemory(embedder embeddings.Provider) *Memory {
	return &Memory{embedder: embedder, docs: make(map[string]memDoc)}
}

// Upsert implements [Index].
func (m *Memory) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("rag: embed batch: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range docs {
		m.docs[d.ID] = memDoc{doc: d, vec: vectors[i]}
	}
	return nil
}

// Search implements [Index].
func (m *Memory) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 4
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	m.mu.RLock()
	snippets := make([]Snippet, 0, len(m.docs))
	for _, entry := range m.docs {
		snippets = append(snippets, Snippet{Document: entry.doc, Score: cosine(vec, entry.vec)})
	}
	m.mu.RUnlock()

	sort.Slice(snippets, func(i, j int) bool { return snippets[i].Score > snippets[j].Score })
	if len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

// Len reports the number of indexed documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
