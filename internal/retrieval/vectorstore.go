package retrieval

import (
	"context"
	"time"
)

// VectorIndex stores chunk vectors with their text and metadata and answers
// nearest-neighbour queries. Entries are never updated in place; they are
// removed only with their owning document.
type VectorIndex interface {
	// Insert adds all chunks or none of them.
	Insert(ctx context.Context, chunks []Chunk) error

	// Search returns up to topK chunks ordered by cosine similarity to vector.
	// keep, when non-nil, restricts candidates by document ID.
	Search(ctx context.Context, vector []float32, topK int, keep func(documentID string) bool) ([]ScoredChunk, error)

	// All returns every stored chunk ordered by document and chunk index.
	All(ctx context.Context) ([]Chunk, error)

	// DeleteByDocument removes every chunk of a document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)
}

// ChunkMeta describes where a chunk came from.
type ChunkMeta struct {
	DocumentID       string `json:"document_id"`
	Filename         string `json:"filename"`
	ChunkIndex       int    `json:"chunk_index"`
	ContentHash      string `json:"content_hash"`
	ProcessingMethod string `json:"processing_method"`
}

// Chunk is one entry of the vector index.
type Chunk struct {
	ID        string
	Text      string
	Embedding []float32
	Meta      ChunkMeta
	CreatedAt time.Time
}

// ScoredChunk is a Chunk with its cosine similarity to the query vector.
type ScoredChunk struct {
	Chunk
	Similarity float32
}
