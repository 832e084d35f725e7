package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/recap/internal/config"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// maxEmbedRunes bounds the text sent for one vector. Summaries longer than
// that are represented by their opening, which carries the overview.
const maxEmbedRunes = 8000

// Embedder turns summaries and search queries into vectors of a fixed
// dimension for the summary index.
type Embedder struct {
	backend   embeddings.Embedder
	dimension int
	name      string
	metrics   *metrics.Collector
}

// NewEmbedder connects to the embedding provider named in cfg.
func NewEmbedder(cfg config.Config, m *metrics.Collector) (*Embedder, error) {
	client, err := embeddingClient(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", cfg.EmbedProvider, err)
	}
	return newEmbedder(backend, cfg.EmbedDimension, cfg.EmbedModel, m), nil
}

func newEmbedder(backend embeddings.Embedder, dimension int, name string, m *metrics.Collector) *Embedder {
	return &Embedder{backend: backend, dimension: dimension, name: name, metrics: m}
}

func embeddingClient(cfg config.Config) (embeddings.EmbedderClient, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOllama:
		return ollama.New(ollama.WithModel(cfg.EmbedModel), ollama.WithServerURL(cfg.OllamaHost))
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OpenAI API key required for embeddings")
		}
		return openai.New(openai.WithToken(cfg.OpenAIAPIKey), openai.WithEmbeddingModel(cfg.EmbedModel))
	}
	return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
}

// Embed returns the vector for text. Backend failures are classified like
// generation failures so callers can tell a bad request from an outage.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if runes := []rune(text); len(runes) > maxEmbedRunes {
		slog.Debug("embedding input truncated", "model", e.name, "runes", len(runes))
		text = string(runes[:maxEmbedRunes])
	}

	done := e.metrics.Track(metrics.OpEmbedding)
	vec, err := e.backend.EmbedQuery(ctx, text)
	done()
	if err != nil {
		return nil, fmt.Errorf("embed with %s: %w", e.name, classify(ctx, err))
	}
	if len(vec) != e.dimension {
		return nil, fmt.Errorf("embed with %s: %w: got %d dimensions, want %d", e.name, ErrInvalidRequest, len(vec), e.dimension)
	}
	return vec, nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.name }

// Dimension returns the vector size the index expects.
func (e *Embedder) Dimension() int { return e.dimension }
