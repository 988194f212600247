package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// Chunk is one retrievable unit of a knowledge collection. DocumentID is the
// stable identifier citations are deduplicated on; several chunks of the same
// document share it.
type Chunk struct {
	ID         string
	Collection string
	DocumentID string
	Title      string
	URL        string
	Text       string
	Index      int
	Embedding  []float32
	Metadata   map[string]any
	Similarity float64
}

// Store provides similarity search over an already-populated pgvector index.
// Ingestion happens out of process; this side only reads and seeds.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const chunkColumns = `id,
	collection,
	document_id,
	title,
	url,
	chunk_text,
	chunk_index,
	metadata`

// Search runs cosine-similarity retrieval within one collection.
func (s *Store) Search(ctx context.Context, collection string, embedding []float32, limit int) ([]Chunk, error) {
	if collection == "" {
		return nil, errors.New("collection is required")
	}
	if len(embedding) == 0 {
		return nil, errors.New("embedding is required")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`,
			1 - (embedding <=> $2) AS similarity
		FROM helmsman.knowledge_chunks
		WHERE collection = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`, collection, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// HybridSearch combines vector similarity with Postgres full-text matching.
// Both result lists are fetched and merged by chunk id; the reranker fuses
// the rankings afterwards.
func (s *Store) HybridSearch(ctx context.Context, collection string, embedding []float32, query string, limit int) ([]Chunk, error) {
	vectorResults, err := s.Search(ctx, collection, embedding, limit)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return vectorResults, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`,
			ts_rank(to_tsvector('english', chunk_text), websearch_to_tsquery('english', $2)) AS similarity
		FROM helmsman.knowledge_chunks
		WHERE collection = $1
		  AND to_tsvector('english', chunk_text) @@ websearch_to_tsquery('english', $2)
		ORDER BY similarity DESC
		LIMIT $3
	`, collection, query, limit)
	if err != nil {
		// Lexical leg is best-effort; vector results alone are still useful.
		return vectorResults, nil
	}
	defer rows.Close()

	lexicalResults, err := scanChunks(rows)
	if err != nil {
		return vectorResults, nil
	}

	return mergeByID(vectorResults, lexicalResults), nil
}

// Upsert replaces all chunks of each document present in the batch. Used by
// the seeding path and tests; bulk ingestion lives outside this service.
func (s *Store) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	byDocument := make(map[string]string)
	for _, chunk := range chunks {
		if chunk.Collection == "" {
			return errors.New("collection is required for chunk")
		}
		if chunk.DocumentID == "" {
			return errors.New("document id is required for chunk")
		}
		byDocument[chunk.DocumentID] = chunk.Collection
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for documentID, collection := range byDocument {
		if _, execErr := tx.ExecContext(ctx, `
			DELETE FROM helmsman.knowledge_chunks
			WHERE collection = $1 AND document_id = $2
		`, collection, documentID); execErr != nil {
			return fmt.Errorf("delete existing chunks: %w", execErr)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO helmsman.knowledge_chunks (
			collection,
			document_id,
			title,
			url,
			chunk_text,
			chunk_index,
			embedding,
			metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		metadataBytes, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(
			ctx,
			chunk.Collection,
			chunk.DocumentID,
			chunk.Title,
			chunk.URL,
			chunk.Text,
			chunk.Index,
			pgvector.NewVector(chunk.Embedding),
			metadataBytes,
		); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// DeleteDocument removes every chunk of one document from a collection.
func (s *Store) DeleteDocument(ctx context.Context, collection, documentID string) error {
	if collection == "" {
		return errors.New("collection is required")
	}
	if documentID == "" {
		return errors.New("document id is required")
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM helmsman.knowledge_chunks
		WHERE collection = $1 AND document_id = $2
	`, collection, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var chunk Chunk
		var metadataBytes []byte
		if err := rows.Scan(
			&chunk.ID,
			&chunk.Collection,
			&chunk.DocumentID,
			&chunk.Title,
			&chunk.URL,
			&chunk.Text,
			&chunk.Index,
			&metadataBytes,
			&chunk.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scan knowledge chunk: %w", err)
		}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge chunks: %w", err)
	}
	return chunks, nil
}

func mergeByID(primary, secondary []Chunk) []Chunk {
	seen := make(map[string]struct{}, len(primary))
	merged := make([]Chunk, 0, len(primary)+len(secondary))
	for _, chunk := range primary {
		seen[chunk.ID] = struct{}{}
		merged = append(merged, chunk)
	}
	for _, chunk := range secondary {
		if _, ok := seen[chunk.ID]; ok {
			continue
		}
		merged = append(merged, chunk)
	}
	return merged
}
