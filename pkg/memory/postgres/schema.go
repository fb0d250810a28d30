// Package postgres provides a PostgreSQL-backed [memory.Service].
//
// Documents live in a single table with a generated full-text search column
// and an optional pgvector embedding. The pgvector extension must be
// available in the target database; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536, postgres.WithEmbeddings(emb))
//	if err != nil { … }
//	id, _ := store.Create(ctx, "Billing follow-up", body, []string{"call-summary", "caller:+15551234"})
//	docs, _ := store.Query(ctx, "caller:+15551234", 3)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlDocuments returns the DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlDocuments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_documents (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    tags        TEXT[]       NOT NULL DEFAULT '{}',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    fts         tsvector     GENERATED ALWAYS AS
                (to_tsvector('english', title || ' ' || content)) STORED
);

CREATE INDEX IF NOT EXISTS idx_memory_documents_tags
    ON memory_documents USING GIN (tags);

CREATE INDEX IF NOT EXISTS idx_memory_documents_fts
    ON memory_documents USING GIN (fts);

CREATE INDEX IF NOT EXISTS idx_memory_documents_created_at
    ON memory_documents (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_memory_documents_embedding
    ON memory_documents USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the memory tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embeddings model configured for the
// deployment. Changing it after the first migration requires a manual schema
// update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	if _, err := pool.Exec(ctx, ddlDocuments(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
