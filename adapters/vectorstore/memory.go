package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
	"github.com/pandega/wicara/domain/repositories"
)

// Memory is an in-process vector store holding the session namespace for the
// current process lifetime. Reads and writes may run concurrently; retrieval
// always sees the namespace's current state, no snapshot isolation.
type Memory struct {
	mu      sync.RWMutex
	records []record
	logger  *zap.Logger
}

type record struct {
	docID     string
	filename  string
	text      string
	embedding []float32
}

var _ repositories.VectorStore = (*Memory)(nil)

// NewMemory creates an empty in-memory vector store.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{logger: logger}
}

// Upsert adds the embedded chunks of one document to the namespace,
// replacing any chunks previously stored for the same doc id.
func (m *Memory) Upsert(ctx context.Context, docID string, chunks []repositories.ChunkRecord) error {
	if docID == "" {
		return fmt.Errorf("doc id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteLocked(docID)
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk for doc %s has no embedding", docID)
		}
		m.records = append(m.records, record{
			docID:     docID,
			filename:  c.Filename,
			text:      c.Text,
			embedding: c.Embedding,
		})
	}
	m.logger.Info("Upserted document chunks",
		zap.String("docID", docID),
		zap.Int("chunks", len(chunks)))
	return nil
}

// Query returns up to topK chunks nearest to the embedding by cosine
// similarity, in descending score order.
func (m *Memory) Query(ctx context.Context, embedding []float32, topK int) ([]entities.RetrievedChunk, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	matches := make([]entities.RetrievedChunk, 0, len(m.records))
	for _, r := range m.records {
		if len(r.embedding) != len(embedding) {
			continue
		}
		s := cosineSimilarity(embedding, r.embedding)
		score := s
		matches = append(matches, entities.RetrievedChunk{
			Text:     r.text,
			Score:    &score,
			Filename: r.filename,
			DocID:    r.docID,
		})
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return *matches[i].Score > *matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteDocument removes all chunks stored for a doc id.
func (m *Memory) DeleteDocument(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(docID)
	return nil
}

// ClearNamespace removes every chunk. Called at process start so no prior
// session's documents leak across restarts.
func (m *Memory) ClearNamespace(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.logger.Info("Vector store namespace cleared")
	return nil
}

func (m *Memory) deleteLocked(docID string) {
	kept := m.records[:0]
	for _, r := range m.records {
		if r.docID != docID {
			kept = append(kept, r)
		}
	}
	m.records = kept
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
