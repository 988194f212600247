package knowledge

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func chunkRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	return mock.NewRows([]string{
		"id", "collection", "document_id", "title", "url",
		"chunk_text", "chunk_index", "metadata", "similarity",
	})
}

func TestSearchReturnsChunksByDistance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := chunkRows(mock).
		AddRow("c1", "charter-ops", "doc-1", "Berthing fees", "https://docs.example.com/fees", "Berthing fees are due monthly.", 0, []byte(`{"section":"billing"}`), 0.91).
		AddRow("c2", "charter-ops", "doc-2", "Fuel policy", "https://docs.example.com/fuel", "Fuel is billed at cost.", 0, []byte(`{}`), 0.82)

	mock.ExpectQuery("SELECT .* FROM helmsman.knowledge_chunks").
		WillReturnRows(rows)

	store := NewStore(db)
	chunks, err := store.Search(context.Background(), "charter-ops", []float32{0.1, 0.2, 0.3}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].DocumentID != "doc-1" || chunks[0].Similarity != 0.91 {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[0].Metadata["section"] != "billing" {
		t.Errorf("metadata not decoded: %+v", chunks[0].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSearchRequiresCollectionAndEmbedding(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	if _, err := store.Search(context.Background(), "", []float32{0.1}, 5); err == nil {
		t.Error("expected error for missing collection")
	}
	if _, err := store.Search(context.Background(), "charter-ops", nil, 5); err == nil {
		t.Error("expected error for missing embedding")
	}
}

func TestHybridSearchMergesLexicalResults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	vectorRows := chunkRows(mock).
		AddRow("c1", "charter-ops", "doc-1", "Berthing fees", "", "Berthing fees are due monthly.", 0, []byte(`{}`), 0.9)
	lexicalRows := chunkRows(mock).
		AddRow("c1", "charter-ops", "doc-1", "Berthing fees", "", "Berthing fees are due monthly.", 0, []byte(`{}`), 0.4).
		AddRow("c3", "charter-ops", "doc-3", "Mooring rules", "", "Mooring requires a permit.", 0, []byte(`{}`), 0.3)

	mock.ExpectQuery("SELECT .* FROM helmsman.knowledge_chunks").WillReturnRows(vectorRows)
	mock.ExpectQuery("SELECT .* ts_rank").WillReturnRows(lexicalRows)

	store := NewStore(db)
	chunks, err := store.HybridSearch(context.Background(), "charter-ops", []float32{0.1}, "berthing fees", 5)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected deduplicated merge of 2 chunks, got %d", len(chunks))
	}
	if chunks[0].ID != "c1" || chunks[1].ID != "c3" {
		t.Errorf("unexpected merge order: %v, %v", chunks[0].ID, chunks[1].ID)
	}
}

func TestHybridSearchSurvivesLexicalFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	vectorRows := chunkRows(mock).
		AddRow("c1", "charter-ops", "doc-1", "Berthing fees", "", "Berthing fees are due monthly.", 0, []byte(`{}`), 0.9)

	mock.ExpectQuery("SELECT .* FROM helmsman.knowledge_chunks").WillReturnRows(vectorRows)
	mock.ExpectQuery("SELECT .* ts_rank").WillReturnError(context.DeadlineExceeded)

	store := NewStore(db)
	chunks, err := store.HybridSearch(context.Background(), "charter-ops", []float32{0.1}, "berthing", 5)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected vector results to survive lexical failure, got %d chunks", len(chunks))
	}
}

func TestUpsertReplacesDocumentChunks(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM helmsman.knowledge_chunks").
		WithArgs("charter-ops", "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectPrepare("INSERT INTO helmsman.knowledge_chunks")
	mock.ExpectExec("INSERT INTO helmsman.knowledge_chunks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	err = store.Upsert(context.Background(), []Chunk{
		{
			Collection: "charter-ops",
			DocumentID: "doc-1",
			Title:      "Berthing fees",
			Text:       "Berthing fees are due monthly.",
			Embedding:  []float32{0.1, 0.2},
		},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertRejectsChunksWithoutDocumentID(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	if err := store.Upsert(context.Background(), []Chunk{{Collection: "charter-ops"}}); err == nil {
		t.Error("expected error for chunk without document id")
	}
}
