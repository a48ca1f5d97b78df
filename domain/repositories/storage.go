package repositories

import (
	"context"

	"github.com/pandega/wicara/domain/entities"
)

// ChunkRecord is one embedded document chunk handed to the vector store by
// the ingestion pipeline.
type ChunkRecord struct {
	DocID     string
	Filename  string
	Text      string
	Embedding []float32
}

// VectorStore holds the knowledge-base chunks for the current process
// lifetime. The namespace is exclusively owned by this process and cleared
// at startup; retrieval always queries the current state, writes may happen
// concurrently with reads.
type VectorStore interface {
	Upsert(ctx context.Context, docID string, chunks []ChunkRecord) error
	// Query returns up to topK nearest chunks by similarity, best first.
	Query(ctx context.Context, embedding []float32, topK int) ([]entities.RetrievedChunk, error)
	DeleteDocument(ctx context.Context, docID string) error
	ClearNamespace(ctx context.Context) error
}

// PersonaStore holds the caller-editable persona text. The composer reads it
// at the start of each turn, so an edit made mid-session takes effect on the
// next turn without a reconnect.
type PersonaStore interface {
	Get() (string, error)
	Set(text string) error
}
