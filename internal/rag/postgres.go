package rag

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
)

// Postgres is the pgvector-backed [Index]. Safe for concurrent use.
type Postgres struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// Compile-time interface assertion.
var _ Index = (*Postgres)(nil)

// NewPostgres returns an index over pool using embedder for vectorization.
func NewPostgres(pool *pgxpool.Pool, embedder embeddings.Provider) *Postgres {
	return &Postgres{pool: pool, embedder: embedder}
}

// EnsureSchema creates the documents table and its HNSW index. Idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.embedder.Dimensions()),
		`CREATE INDEX IF NOT EXISTS documents_embedding_idx
			ON documents USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS documents_source_idx ON documents (source)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rag: ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert implements [Index].
func (p *Postgres) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("rag: embed batch: %w", err)
	}

	const q = `
		INSERT INTO documents (id, source, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			source     = EXCLUDED.source,
			content    = EXCLUDED.content,
			embedding  = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at`

	batch := &pgx.Batch{}
	for i, d := range docs {
		batch.Queue(q, d.ID, d.Source, d.Content, pgvector.NewVector(vectors[i]), d.CreatedAt)
	}
	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range docs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("rag: upsert document: %w", err)
		}
	}
	return nil
}

// Search implements [Index].
func (p *Postgres) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 4
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	const q = `
		SELECT id, source, content, created_at, embedding <=> $1 AS distance
		FROM   documents
		ORDER  BY distance
		LIMIT  $2`

	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snippet, error) {
		var (
			s        Snippet
			distance float64
		)
		if err := row.Scan(&s.Document.ID, &s.Document.Source, &s.Document.Content, &s.Document.CreatedAt, &distance); err != nil {
			return Snippet{}, err
		}
		s.Score = 1 - distance
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag: scan rows: %w", err)
	}
	return snippets, nil
}
