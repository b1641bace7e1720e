// Package rag is the retrieval layer behind the search_documents tool and the
// post-call training loop.
//
// Documents are embedded on ingest and searched by cosine distance. The
// production index lives in PostgreSQL with pgvector; an in-memory index
// covers tests and single-node development.
package rag

import (
	"context"
	"time"
)

// Document is one indexed knowledge fragment: a product sheet paragraph, a
// procedure step, or a Q/A pair extracted from a finished call.
type Document struct {
	ID        string
	Source    string // "corpus" or the originating call ID
	Content   string
	CreatedAt time.Time
}

// Snippet is one search hit.
type Snippet struct {
	Document Document
	Score    float64 // cosine similarity, higher is closer
}

// Index stores and retrieves documents. Implementations embed content
// themselves so callers never handle vectors.
type Index interface {
	// Upsert indexes docs, replacing entries with the same ID.
	Upsert(ctx context.Context, docs []Document) error

	// Search returns the limit closest documents to query, best first.
	Search(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// ToolSearcher adapts an Index to the tool registry's searcher contract,
// flattening hits to quotable strings.
type ToolSearcher struct {
	Index Index

	// MinScore drops weak hits. Zero keeps everything.
	MinScore float64
}

// Search implements tools.DocumentSearcher.
func (s ToolSearcher) Search(ctx context.Context, query string, limit int) ([]string, error) {
	hits, err := s.Index.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if s.MinScore > 0 && h.Score < s.MinScore {
			continue
		}
		out = append(out, h.Document.Content)
	}
	return out, nil
}
