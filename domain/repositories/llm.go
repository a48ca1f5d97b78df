package repositories

import "context"

// LargeLanguageModel abstracts the response-generation provider. The engine
// issues a single generation call per turn; there is no multi-step loop, so
// the interface stays a one-shot request.
type LargeLanguageModel interface {
	// Generate produces the agent's answer given the composed instruction
	// payload and the caller's question.
	Generate(ctx context.Context, instructions string, question string) (string, error)
}

// Embedder abstracts the text-embedding provider used for both document
// ingestion and query-time retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QueryClassifier decides whether a finalized caller utterance needs
// knowledge-base retrieval. Implementations must be stateless per call,
// deterministic for identical input, and cheap enough to run in-line.
type QueryClassifier interface {
	NeedsRetrieval(utterance string) bool
}
