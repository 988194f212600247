package knowledge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tillerworks/helmsman/pkg/logging"
)

// EnsureSchema creates the knowledge tables and indexes if they do not exist.
// Requires the pgvector extension; fails fast when it is missing so the
// operator sees a clear error instead of a broken search path later.
func EnsureSchema(ctx context.Context, db *sql.DB, embeddingDimensions int, logger logging.Logger) error {
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS helmsman`); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS helmsman.knowledge_chunks (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			collection TEXT NOT NULL,
			document_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			chunk_text TEXT NOT NULL,
			chunk_index INT NOT NULL DEFAULT 0,
			embedding vector(%d),
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, embeddingDimensions)); err != nil {
		return fmt.Errorf("create knowledge_chunks table: %w", err)
	}

	if err := ensureEmbeddingDimensions(ctx, db, embeddingDimensions, logger); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_collection_idx
			ON helmsman.knowledge_chunks (collection, document_id)`,
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_embedding_idx
			ON helmsman.knowledge_chunks USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_fts_idx
			ON helmsman.knowledge_chunks USING gin (to_tsvector('english', chunk_text))`,
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

// ensureEmbeddingDimensions rebuilds the embedding column when the configured
// provider dimensionality differs from the stored one. Existing vectors are
// unusable after a provider change, so the column is dropped and recreated.
func ensureEmbeddingDimensions(ctx context.Context, db *sql.DB, want int, logger logging.Logger) error {
	var current sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT atttypmod
		FROM pg_attribute
		WHERE attrelid = 'helmsman.knowledge_chunks'::regclass
		  AND attname = 'embedding'
		  AND NOT attisdropped
	`).Scan(&current)
	if err != nil {
		return fmt.Errorf("inspect embedding column: %w", err)
	}
	if !current.Valid || int(current.Int64) == want {
		return nil
	}

	logger.WithFields(logging.Fields{
		"current_dimensions": current.Int64,
		"target_dimensions":  want,
	}).Warn("Embedding dimensions changed, rebuilding embedding column")

	stmts := []string{
		`DROP INDEX IF EXISTS helmsman.knowledge_chunks_embedding_idx`,
		`ALTER TABLE helmsman.knowledge_chunks DROP COLUMN embedding`,
		fmt.Sprintf(`ALTER TABLE helmsman.knowledge_chunks ADD COLUMN embedding vector(%d)`, want),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild embedding column: %w", err)
		}
	}
	return nil
}
