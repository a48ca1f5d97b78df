package rag

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
	"github.com/pandega/wicara/domain/repositories"
)

const (
	defaultTopK              = 5
	defaultMinScore          = 0.35
	defaultRetrievalTimeout  = 3 * time.Second
	defaultGenerationTimeout = 12 * time.Second
)

// Config tunes the engine. Zero values select defaults.
type Config struct {
	TopK              int
	MinScore          float64
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
}

// Engine embeds queries, fetches nearest chunks from the vector store, and
// runs the single downstream generation call that produces the answer. One
// generation call per turn keeps end-to-end latency inside the real-time
// speaking budget; there is no multi-step agentic loop.
type Engine struct {
	embedder repositories.Embedder
	store    repositories.VectorStore
	llm      repositories.LargeLanguageModel

	topK              int
	minScore          float64
	retrievalTimeout  time.Duration
	generationTimeout time.Duration

	logger *zap.Logger
}

// NewEngine creates an engine with the given collaborators.
func NewEngine(
	embedder repositories.Embedder,
	store repositories.VectorStore,
	llm repositories.LargeLanguageModel,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = defaultMinScore
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = defaultRetrievalTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	return &Engine{
		embedder:          embedder,
		store:             store,
		llm:               llm,
		topK:              cfg.TopK,
		minScore:          cfg.MinScore,
		retrievalTimeout:  cfg.RetrievalTimeout,
		generationTimeout: cfg.GenerationTimeout,
		logger:            logger,
	}
}

// Retrieve embeds the query and returns the top-k chunks above the relevance
// threshold, best first. Any embedding or store failure degrades to a
// context-free turn: the error is logged and an empty slice returned, never
// surfaced to the caller as a distinct error.
func (e *Engine) Retrieve(ctx context.Context, query string) []entities.RetrievedChunk {
	ctx, cancel := context.WithTimeout(ctx, e.retrievalTimeout)
	defer cancel()

	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("Query embedding failed, proceeding without context",
			zap.String("query", query),
			zap.Error(err))
		return nil
	}

	matches, err := e.store.Query(ctx, embedding, e.topK)
	if err != nil {
		e.logger.Warn("Vector store query failed, proceeding without context",
			zap.Error(err))
		return nil
	}

	// Drop chunks below the relevance floor; unscored matches pass through.
	kept := matches[:0]
	for _, m := range matches {
		if m.Score != nil && *m.Score < e.minScore {
			continue
		}
		kept = append(kept, m)
	}

	e.logger.Info("Retrieved knowledge base context",
		zap.Int("matches", len(matches)),
		zap.Int("aboveThreshold", len(kept)))
	return kept
}

// Synthesize issues the single generation call for a turn. instructions is
// the composed prompt from the three-layer composer (it already carries the
// retrieved chunk texts, or the explicit no-context marker).
func (e *Engine) Synthesize(ctx context.Context, question string, instructions string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.generationTimeout)
	defer cancel()

	answer, err := e.llm.Generate(ctx, instructions, question)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	if answer == "" {
		return "", fmt.Errorf("generation returned empty answer")
	}
	return answer, nil
}
