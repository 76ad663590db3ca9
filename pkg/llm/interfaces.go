// Package llm provides LLM completion and embedding clients used by
// intent extraction and the vector store.
package llm

import "context"

// Completer generates chat completions. The model and endpoint are
// fixed at construction.
type Completer interface {
	// GenerateResponse generates a chat completion for the prompt.
	GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64) (string, error)

	// GetModel returns the configured model name.
	GetModel() string
}

// Embedder generates embedding vectors.
type Embedder interface {
	// CreateEmbedding generates an embedding vector for the input text.
	CreateEmbedding(ctx context.Context, input string) ([]float32, error)

	// CreateEmbeddings generates embeddings for multiple inputs.
	CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// LLMClient combines completion and embedding capabilities. Use this
// interface for dependency injection to enable mocking in tests.
type LLMClient interface {
	Completer
	Embedder
}

// Compile-time checks.
var (
	_ LLMClient = (*OpenAIClient)(nil)
	_ Completer = (*AnthropicClient)(nil)
	_ LLMClient = (*MockLLMClient)(nil)
)
