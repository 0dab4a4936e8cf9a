// Package postgres provides a PostgreSQL-backed memory store with a pgvector
// index for semantic recall. The pgvector extension must be available in the
// target database; Migrate installs it via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/voxgate/voxgate/internal/memory"
	"github.com/voxgate/voxgate/pkg/provider/embeddings"
)

var _ memory.Store = (*Store)(nil)

// Store persists summaries in PostgreSQL and recalls them by cosine distance.
// All methods are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// New connects to the database, runs migrations, and returns a ready Store.
// The embedding dimension of the summaries table is taken from the embedder.
func New(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn must not be empty")
	}
	if embedder == nil {
		return nil, fmt.Errorf("postgres: embedder must not be nil")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	s := &Store{pool: pool, embedder: embedder}
	if err := s.migrate(ctx, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context, dimensions int) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_summaries (
    id          BIGSERIAL    PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_summaries_device
    ON memory_summaries (device_id);

CREATE INDEX IF NOT EXISTS idx_memory_summaries_embedding
    ON memory_summaries USING hnsw (embedding vector_cosine_ops);
`, dimensions)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// SaveSummary implements memory.Store.
func (s *Store) SaveSummary(ctx context.Context, deviceID, sessionID, content string) error {
	if content == "" {
		return nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("postgres: embed summary: %w", err)
	}

	const q = `
		INSERT INTO memory_summaries (device_id, session_id, content, embedding)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, deviceID, sessionID, content, pgvector.NewVector(vecs[0])); err != nil {
		return fmt.Errorf("postgres: save summary: %w", err)
	}
	return nil
}

// Recall implements memory.Store.
func (s *Store) Recall(ctx context.Context, deviceID, query string, topK int) ([]memory.Summary, error) {
	if topK <= 0 {
		return nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("postgres: embed query: %w", err)
	}

	const q = `
		SELECT id, device_id, session_id, content, created_at,
		       embedding <=> $1 AS distance
		FROM   memory_summaries
		WHERE  device_id = $2
		ORDER  BY distance
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vecs[0]), deviceID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: recall: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Summary, error) {
		var m memory.Summary
		err := row.Scan(&m.ID, &m.DeviceID, &m.SessionID, &m.Content, &m.CreatedAt, &m.Distance)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recall rows: %w", err)
	}
	return results, nil
}

// Close implements memory.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
