package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
)

var (
	_ memory.Service = (*Store)(nil)
	_ memory.Pinger  = (*Store)(nil)
)

// Store is a PostgreSQL-backed memory service. All operations are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEmbeddings enables semantic ranking. Created documents are embedded and
// free-text queries are ordered by cosine distance. Without it queries fall
// back to full-text ranking.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(s *Store) { s.embedder = p }
}

// NewStore creates a connection pool to the database at dsn, registers
// pgvector types on every connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.embedder != nil && s.embedder.Dimensions() != embeddingDimensions {
		pool.Close()
		return nil, fmt.Errorf("postgres store: embeddings produce %d dimensions, schema expects %d",
			s.embedder.Dimensions(), embeddingDimensions)
	}
	return s, nil
}

// Create implements [memory.Service].
func (s *Store) Create(ctx context.Context, title, content string, tags []string) (string, error) {
	id := uuid.NewString()
	if tags == nil {
		tags = []string{}
	}

	var vec *pgvector.Vector
	if s.embedder != nil {
		emb, err := s.embedder.Embed(ctx, title+"\n"+content)
		if err != nil {
			// The document is still useful to tag and full-text lookups.
			slog.Warn("postgres store: embed document failed, storing without embedding", "err", err)
		} else {
			v := pgvector.NewVector(emb)
			vec = &v
		}
	}

	const q = `
		INSERT INTO memory_documents (id, title, content, tags, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q, id, title, content, tags, vec, s.now().UTC()); err != nil {
		return "", fmt.Errorf("postgres store: create: %w", err)
	}
	return id, nil
}

// Query implements [memory.Service].
//
// Exact tag matches rank first, newest first. The remaining candidates are
// ranked by cosine distance when embeddings are configured, otherwise by
// full-text rank.
func (s *Store) Query(ctx context.Context, text string, limit int) ([]memory.Document, error) {
	text = strings.TrimSpace(text)
	if text == "" || limit <= 0 {
		return []memory.Document{}, nil
	}

	args := []any{text, limit}
	var q string
	if vec, ok := s.queryVector(ctx, text); ok {
		args = append(args, vec)
		q = `
		SELECT id, title, content, tags, created_at
		FROM   memory_documents
		WHERE  $1 = ANY(tags)
		   OR  fts @@ websearch_to_tsquery('english', $1)
		   OR  embedding IS NOT NULL
		ORDER  BY ($1 = ANY(tags)) DESC,
		          CASE WHEN $1 = ANY(tags) THEN created_at END DESC,
		          embedding <=> $3
		LIMIT  $2`
	} else {
		q = `
		SELECT id, title, content, tags, created_at
		FROM   memory_documents
		WHERE  $1 = ANY(tags)
		   OR  fts @@ websearch_to_tsquery('english', $1)
		ORDER  BY ($1 = ANY(tags)) DESC,
		          CASE WHEN $1 = ANY(tags) THEN created_at END DESC,
		          ts_rank(fts, websearch_to_tsquery('english', $1)) DESC,
		          created_at DESC
		LIMIT  $2`
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Document, error) {
		var d memory.Document
		err := row.Scan(&d.ID, &d.Title, &d.Content, &d.Tags, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if docs == nil {
		docs = []memory.Document{}
	}
	return docs, nil
}

// queryVector embeds free-text queries. Tag-shaped queries ("caller:...")
// skip embedding since only exact matches are meaningful for them.
func (s *Store) queryVector(ctx context.Context, text string) (pgvector.Vector, bool) {
	if s.embedder == nil || isTagQuery(text) {
		return pgvector.Vector{}, false
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("postgres store: embed query failed, using full-text ranking", "err", err)
		return pgvector.Vector{}, false
	}
	return pgvector.NewVector(emb), true
}

func isTagQuery(text string) bool {
	return !strings.ContainsAny(text, " \t\n") && strings.Contains(text, ":")
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
