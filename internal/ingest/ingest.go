package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/repositories"
)

const (
	// maxChunkBytes bounds a single chunk so one embedding call never
	// carries a whole document.
	maxChunkBytes = 2000
	minChunkBytes = 40
)

// Document describes one ingested knowledge-base document.
type Document struct {
	ID         string    `json:"doc_id"`
	Filename   string    `json:"filename"`
	ChunkCount int       `json:"chunk_count"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Service turns uploaded documents into embedded chunks in the vector store
// and tracks per-document metadata for the management API.
type Service struct {
	embedder repositories.Embedder
	store    repositories.VectorStore
	logger   *zap.Logger

	mu   sync.Mutex
	docs map[string]Document
}

// NewService creates a document ingestion service.
func NewService(embedder repositories.Embedder, store repositories.VectorStore, logger *zap.Logger) *Service {
	return &Service{
		embedder: embedder,
		store:    store,
		logger:   logger,
		docs:     make(map[string]Document),
	}
}

// Upload chunks, embeds, and stores one document. The returned metadata
// carries the generated document id used for later deletion.
func (s *Service) Upload(ctx context.Context, filename string, content []byte) (Document, error) {
	if filename == "" {
		return Document{}, fmt.Errorf("filename is required")
	}

	chunks := splitChunks(string(content))
	if len(chunks) == 0 {
		return Document{}, fmt.Errorf("document %q contains no usable text", filename)
	}

	docID := uuid.New().String()
	records := make([]repositories.ChunkRecord, 0, len(chunks))
	for _, text := range chunks {
		embedding, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return Document{}, fmt.Errorf("failed to embed chunk of %q: %w", filename, err)
		}
		records = append(records, repositories.ChunkRecord{
			DocID:     docID,
			Filename:  filename,
			Text:      text,
			Embedding: embedding,
		})
	}

	if err := s.store.Upsert(ctx, docID, records); err != nil {
		return Document{}, fmt.Errorf("failed to store chunks of %q: %w", filename, err)
	}

	doc := Document{
		ID:         docID,
		Filename:   filename,
		ChunkCount: len(records),
		UploadedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.docs[docID] = doc
	s.mu.Unlock()

	s.logger.Info("Document ingested",
		zap.String("docID", docID),
		zap.String("filename", filename),
		zap.Int("chunks", len(records)))

	return doc, nil
}

// List returns metadata for all ingested documents, newest first.
func (s *Service) List() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out
}

// Delete removes one document and its chunks.
func (s *Service) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	_, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("document %q not found", docID)
	}

	if err := s.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete chunks of %q: %w", docID, err)
	}

	s.mu.Lock()
	delete(s.docs, docID)
	s.mu.Unlock()

	s.logger.Info("Document deleted", zap.String("docID", docID))
	return nil
}

// Reset clears all documents and the backing namespace. Called at startup so
// every run begins with a clean knowledge base.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.store.ClearNamespace(ctx); err != nil {
		return fmt.Errorf("failed to clear vector namespace: %w", err)
	}
	s.mu.Lock()
	s.docs = make(map[string]Document)
	s.mu.Unlock()

	s.logger.Info("Knowledge base reset")
	return nil
}

// splitChunks breaks document text into paragraph-aligned chunks. Small
// paragraphs are merged forward until a chunk reaches a useful size;
// oversized paragraphs are split on sentence-ish boundaries.
func splitChunks(text string) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")

	var chunks []string
	var current strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if len(chunk) >= minChunkBytes {
			chunks = append(chunks, chunk)
		} else if chunk != "" && len(chunks) > 0 {
			chunks[len(chunks)-1] += "\n" + chunk
		} else if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		for len(para) > maxChunkBytes {
			cut := strings.LastIndexAny(para[:maxChunkBytes], ".!?\n")
			if cut < minChunkBytes {
				cut = maxChunkBytes - 1
			}
			flush()
			current.WriteString(para[:cut+1])
			flush()
			para = strings.TrimSpace(para[cut+1:])
		}

		if current.Len()+len(para) > maxChunkBytes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
