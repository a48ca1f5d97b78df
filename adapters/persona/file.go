package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/repositories"
)

// FileStore keeps the agent persona in a single markdown file so edits made
// through the API (or directly on disk) apply on the next turn without a
// restart. Reads go to disk every time; the file is the source of truth.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

var _ repositories.PersonaStore = (*FileStore)(nil)

// NewFileStore creates a persona store backed by the file at path, creating
// parent directories as needed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("persona file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persona directory: %w", err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Get returns the current persona text. A missing file is not an error: it
// means no persona has been set yet and the caller falls back to its default.
func (s *FileStore) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read persona file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Set replaces the persona text. The write goes through a temp file and
// rename so a concurrent Get never sees a half-written persona.
func (s *FileStore) Set(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write persona file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace persona file: %w", err)
	}

	s.logger.Info("Persona updated", zap.Int("length", len(text)))
	return nil
}
