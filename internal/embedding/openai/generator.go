package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// Embedding dimensions for different OpenAI models.
	embeddingDimensionStandard = 1536 // Ada v2 and Small v3
	embeddingDimensionLarge    = 3072 // Large v3
)

// Generator generates embeddings for knowledge chunks and search queries
// using OpenAI. Every returned vector has exactly Dimension() entries, which
// the vector index schema depends on.
type Generator struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewGenerator creates a new OpenAI embedding generator.
func NewGenerator(config Config) (*Generator, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	if config.Model == "" {
		config.Model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if config.Dimensions < 0 {
		return nil, fmt.Errorf("embedding dimensions must not be negative, got %d", config.Dimensions)
	}
	if config.Dimensions > 0 && config.Model == string(openai.EmbeddingModelTextEmbeddingAda002) {
		return nil, errors.New("text-embedding-ada-002 does not support custom dimensions")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(max(config.MaxRetries, 0)),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	return &Generator{
		client:     openai.NewClient(opts...),
		model:      config.Model,
		dimensions: config.Dimensions,
	}, nil
}

// Generate creates a vector embedding from text.
func (g *Generator) Generate(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text cannot be empty")
	}

	//nolint:exhaustruct // OpenAI SDK struct has many optional fields
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
		Model: openai.EmbeddingModel(g.model),
	}
	if g.dimensions > 0 {
		params.Dimensions = openai.Int(int64(g.dimensions))
	}

	resp, err := g.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}

	embedding := resp.Data[0].Embedding
	if len(embedding) != g.Dimension() {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(embedding), g.Dimension())
	}
	return embedding, nil
}

// Name returns the generator identifier.
func (g *Generator) Name() string {
	return "openai/" + g.model
}

// Dimension returns the vector dimension.
func (g *Generator) Dimension() int {
	if g.dimensions > 0 {
		return g.dimensions
	}
	switch g.model {
	case string(openai.EmbeddingModelTextEmbedding3Large):
		return embeddingDimensionLarge
	default:
		return embeddingDimensionStandard
	}
}
