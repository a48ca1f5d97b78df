package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
	"github.com/pandega/wicara/domain/repositories"
)

type stubEmbedder struct {
	err error
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0}, nil
}

type recordingStore struct {
	upserts map[string][]repositories.ChunkRecord
	deleted []string
	cleared bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{upserts: make(map[string][]repositories.ChunkRecord)}
}

func (r *recordingStore) Upsert(ctx context.Context, docID string, chunks []repositories.ChunkRecord) error {
	r.upserts[docID] = chunks
	return nil
}

func (r *recordingStore) Query(ctx context.Context, embedding []float32, topK int) ([]entities.RetrievedChunk, error) {
	return nil, nil
}

func (r *recordingStore) DeleteDocument(ctx context.Context, docID string) error {
	r.deleted = append(r.deleted, docID)
	return nil
}

func (r *recordingStore) ClearNamespace(ctx context.Context) error {
	r.cleared = true
	return nil
}

func TestUploadChunksAndStores(t *testing.T) {
	store := newRecordingStore()
	svc := NewService(stubEmbedder{}, store, zap.NewNop())

	content := "The warranty period is 2 years from the date of purchase.\n\n" +
		"Returns are accepted within 30 days with the original receipt."
	doc, err := svc.Upload(context.Background(), "warranty.md", []byte(content))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if doc.Filename != "warranty.md" {
		t.Errorf("Expected filename 'warranty.md', got %q", doc.Filename)
	}
	if doc.ID == "" {
		t.Error("Expected a generated document id")
	}
	records := store.upserts[doc.ID]
	if len(records) != doc.ChunkCount || len(records) == 0 {
		t.Fatalf("Chunk count mismatch: metadata %d, stored %d", doc.ChunkCount, len(records))
	}
	for _, rec := range records {
		if rec.Filename != "warranty.md" || rec.DocID != doc.ID {
			t.Errorf("Chunk record missing provenance: %+v", rec)
		}
		if len(rec.Embedding) == 0 {
			t.Error("Chunk record missing embedding")
		}
	}
}

func TestUploadRejectsEmptyDocument(t *testing.T) {
	svc := NewService(stubEmbedder{}, newRecordingStore(), zap.NewNop())

	if _, err := svc.Upload(context.Background(), "empty.md", []byte("   \n\n  ")); err == nil {
		t.Error("Expected error for document with no usable text")
	}
	if _, err := svc.Upload(context.Background(), "", []byte("content")); err == nil {
		t.Error("Expected error for missing filename")
	}
}

func TestUploadSurfacesEmbedderFailure(t *testing.T) {
	svc := NewService(stubEmbedder{err: errors.New("quota exceeded")}, newRecordingStore(), zap.NewNop())

	_, err := svc.Upload(context.Background(), "doc.md", []byte("Some reasonable paragraph of content for the test."))
	if err == nil {
		t.Fatal("Expected embedder failure to surface")
	}
}

func TestListAndDelete(t *testing.T) {
	store := newRecordingStore()
	svc := NewService(stubEmbedder{}, store, zap.NewNop())

	doc, err := svc.Upload(context.Background(), "a.md", []byte("A paragraph long enough to count as a chunk for sure."))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if got := svc.List(); len(got) != 1 || got[0].ID != doc.ID {
		t.Fatalf("Unexpected list: %+v", got)
	}

	if err := svc.Delete(context.Background(), doc.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != doc.ID {
		t.Errorf("Store deletion not forwarded: %v", store.deleted)
	}
	if got := svc.List(); len(got) != 0 {
		t.Errorf("Expected empty list after delete, got %+v", got)
	}

	if err := svc.Delete(context.Background(), "missing"); err == nil {
		t.Error("Expected error deleting unknown document")
	}
}

func TestResetClearsNamespace(t *testing.T) {
	store := newRecordingStore()
	svc := NewService(stubEmbedder{}, store, zap.NewNop())

	svc.Upload(context.Background(), "a.md", []byte("A paragraph long enough to count as a chunk for sure."))
	if err := svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if !store.cleared {
		t.Error("Expected namespace clear")
	}
	if got := svc.List(); len(got) != 0 {
		t.Errorf("Expected empty list after reset, got %+v", got)
	}
}

func TestSplitChunksParagraphs(t *testing.T) {
	text := "First paragraph with enough text to stand on its own as a chunk.\n\n" +
		"Second paragraph, also long enough to be kept separately here."
	chunks := splitChunks(text)
	if len(chunks) == 0 {
		t.Fatal("Expected at least one chunk")
	}
	joined := strings.Join(chunks, " ")
	if !strings.Contains(joined, "First paragraph") || !strings.Contains(joined, "Second paragraph") {
		t.Errorf("Chunks lost content: %v", chunks)
	}
}

func TestSplitChunksBoundsSize(t *testing.T) {
	long := strings.Repeat("A fairly ordinary sentence that keeps going. ", 200)
	for i, chunk := range splitChunks(long) {
		if len(chunk) > maxChunkBytes {
			t.Errorf("Chunk %d exceeds size bound: %d bytes", i, len(chunk))
		}
	}
}
