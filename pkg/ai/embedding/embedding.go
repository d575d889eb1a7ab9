// Package embedding defines the text embedding contract and a retrying
// wrapper that turns any provider into a bounded-backoff client.
package embedding

import (
	"context"
	"net/http"

	"github.com/Abraxas-365/recall/pkg/errx"
)

// Embedder represents an interface for text embedding operations.
// Implementations must be safe for concurrent use and deterministic: the
// same text yields the same vector whether embedded alone or in a batch.
type Embedder interface {
	// EmbedDocuments converts a slice of documents into vector embeddings
	EmbedDocuments(ctx context.Context, documents []string, opts ...Option) ([]Embedding, error)

	// EmbedQuery converts a single query text into a vector embedding
	EmbedQuery(ctx context.Context, text string, opts ...Option) (Embedding, error)
}

// Embedding represents a vector embedding result
type Embedding struct {
	// Vector is the embedding vector
	Vector []float32

	// Usage contains token usage statistics
	Usage Usage
}

// Usage represents token usage statistics for embeddings
type Usage struct {
	PromptTokens int
	TotalTokens  int
}

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("EMBEDDING")

var (
	CodeEmptyInput    = ErrRegistry.Register("EMPTY_INPUT", errx.TypeValidation, http.StatusBadRequest, "Cannot embed empty text")
	CodeInputTooLarge = ErrRegistry.Register("INPUT_TOO_LARGE", errx.TypeValidation, http.StatusBadRequest, "Text exceeds the embedding size limit")
)

func ErrEmptyInput() *errx.Error {
	return ErrRegistry.New(CodeEmptyInput)
}

func ErrInputTooLarge() *errx.Error {
	return ErrRegistry.New(CodeInputTooLarge)
}
