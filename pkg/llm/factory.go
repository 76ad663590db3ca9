package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/config"
)

// compositeClient pairs an Anthropic completer with an
// OpenAI-compatible embedder so both satisfy LLMClient.
type compositeClient struct {
	Completer
	Embedder
}

// NewClientFromConfig builds an LLMClient from engine configuration.
// "openai" serves both completions and embeddings from one endpoint;
// "anthropic" uses the Messages API for completions and the configured
// OpenAI-compatible endpoint for embeddings.
func NewClientFromConfig(cfg *config.AIConfig, logger *zap.Logger) (LLMClient, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(&OpenAIConfig{
			Endpoint:       cfg.LLMBaseURL,
			Model:          cfg.LLMModel,
			EmbeddingModel: cfg.EmbeddingModel,
			APIKey:         cfg.LLMAPIKey,
			Timeout:        cfg.LLMTimeout(),
		}, logger)

	case "anthropic":
		completer, err := NewAnthropicClient(&AnthropicConfig{
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			Timeout: cfg.LLMTimeout(),
		}, logger)
		if err != nil {
			return nil, err
		}

		embedder, err := NewOpenAIClient(&OpenAIConfig{
			Endpoint:       cfg.EmbeddingBaseURL,
			Model:          cfg.LLMModel, // unused for embeddings
			EmbeddingModel: cfg.EmbeddingModel,
			APIKey:         cfg.EmbeddingAPIKey,
			Timeout:        cfg.LLMTimeout(),
		}, logger)
		if err != nil {
			return nil, err
		}

		return &compositeClient{Completer: completer, Embedder: embedder}, nil

	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// breakerClient wraps an LLMClient with a circuit breaker on the
// completion path. Embeddings pass through: they are cheap, and a
// failing embedding endpoint degrades search rather than the pipeline.
type breakerClient struct {
	inner   LLMClient
	breaker *CircuitBreaker
}

// WithCircuitBreaker wraps client so repeated completion failures trip
// the breaker instead of hammering a down provider.
func WithCircuitBreaker(client LLMClient, breaker *CircuitBreaker) LLMClient {
	return &breakerClient{inner: client, breaker: breaker}
}

func (b *breakerClient) GenerateResponse(ctx context.Context, prompt, systemMessage string, temperature float64) (string, error) {
	if ok, err := b.breaker.Allow(); !ok {
		return "", err
	}
	resp, err := b.inner.GenerateResponse(ctx, prompt, systemMessage, temperature)
	if err != nil {
		b.breaker.RecordFailure()
		return "", err
	}
	b.breaker.RecordSuccess()
	return resp, nil
}

func (b *breakerClient) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	return b.inner.CreateEmbedding(ctx, input)
}

func (b *breakerClient) CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	return b.inner.CreateEmbeddings(ctx, inputs)
}

func (b *breakerClient) GetModel() string {
	return b.inner.GetModel()
}
