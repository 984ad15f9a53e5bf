//go:build integration

package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragmux/internal/engine"
)

// setupIntegrationRetriever backs a retriever with a running Ollama and an
// in-memory index. It skips the test if Ollama or the embed model is missing.
func setupIntegrationRetriever(t *testing.T) (*Retriever, *Embedder, *SQLiteStore) {
	t.Helper()

	eng := engine.NewOllamaEngine("http://localhost:11434")
	if !eng.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !eng.HasModel(context.Background(), "nomic-embed-text") {
		t.Skip("nomic-embed-text model not available, skipping integration test")
	}

	store := openTestIndex(t)
	embedder := NewEmbedder(eng, "nomic-embed-text", 30*time.Second)
	return NewRetriever(embedder, store), embedder, store
}

func insertText(t *testing.T, embedder *Embedder, store *SQLiteStore, docID string, texts ...string) {
	t.Helper()

	vecs, err := embedder.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("embedding chunks: %v", err)
	}
	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{
			ID:        uuid.New().String(),
			Text:      text,
			Embedding: vecs[i],
			Meta:      ChunkMeta{DocumentID: docID, Filename: docID + ".pdf", ChunkIndex: i, ProcessingMethod: "standard"},
			CreatedAt: time.Now().UTC(),
		}
	}
	if err := store.Insert(context.Background(), chunks); err != nil {
		t.Fatalf("inserting chunks: %v", err)
	}
}

func TestRetrieveSemanticMatch(t *testing.T) {
	retriever, embedder, store := setupIntegrationRetriever(t)

	insertText(t, embedder, store, "go", "Go is a compiled programming language designed at Google")
	insertText(t, embedder, store, "kimchi", "김치는 배추를 소금에 절여 양념에 버무린 한국의 발효 음식이다")

	hits, err := retriever.Retrieve(context.Background(), "Which language was created at Google?", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit above the threshold")
	}
	if hits[0].Meta.DocumentID != "go" {
		t.Errorf("top hit = %q, want the Go chunk", hits[0].Meta.DocumentID)
	}
	for _, h := range hits {
		if h.Score < float32(DefaultThreshold) {
			t.Errorf("hit %s score %.3f is below the threshold", h.ID, h.Score)
		}
	}
	t.Logf("hits: %d, top score %.3f", len(hits), hits[0].Score)
}
