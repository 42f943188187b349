package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidbz/markl/internal/observability"
)

const (
	// DefaultRetrievalThreshold is the minimum cosine similarity returned.
	DefaultRetrievalThreshold = 0.65

	// DefaultRetrievalTopK is the default number of snippets returned.
	DefaultRetrievalTopK = 4

	// DefaultEmbedDelay spaces chunk embedding calls during indexing.
	DefaultEmbedDelay = 200 * time.Millisecond

	// MetadataScope is the metadata key used as the tenant filter.
	MetadataScope = "scope"
)

// SourceRef identifies the document a chunk was cut from.
type SourceRef struct {
	Type string `json:"sourceType"`
	ID   string `json:"sourceId"`
}

func (s SourceRef) String() string {
	return s.Type + "/" + s.ID
}

// ContentChunk is one embedded segment of a source.
type ContentChunk struct {
	Source        SourceRef
	SequenceIndex int
	Text          string
	Embedding     []float64
	Metadata      map[string]string
}

// Scope returns the tenant the chunk belongs to, if any.
func (c ContentChunk) Scope() string {
	return c.Metadata[MetadataScope]
}

// ChunkQuery is what a ChunkStore needs to rank chunks.
type ChunkQuery struct {
	Threshold float64
	TopK      int
	Scope     string
}

// RetrievedSnippet is a ranked search hit.
type RetrievedSnippet struct {
	Source        SourceRef         `json:"source"`
	SequenceIndex int               `json:"sequenceIndex"`
	Text          string            `json:"text"`
	Similarity    float64           `json:"similarity"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SearchOptions tunes a search. Zero values fall back to the service defaults.
type SearchOptions struct {
	Threshold float64
	TopK      int
	Scope     string
}

// IndexResult summarises a successful index run.
type IndexResult struct {
	Source SourceRef `json:"source"`
	Chunks int       `json:"chunks"`
}

// RetrievalConfig tunes chunking, indexing and search.
type RetrievalConfig struct {
	ChunkSize    int
	ChunkOverlap int
	EmbedDelay   time.Duration
	Threshold    float64
	TopK         int
}

// DefaultRetrievalConfig returns the documented defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		EmbedDelay:   DefaultEmbedDelay,
		Threshold:    DefaultRetrievalThreshold,
		TopK:         DefaultRetrievalTopK,
	}
}

// RetrievalService indexes sources into a vector store and searches them.
type RetrievalService struct {
	embedder  EmbeddingGenerator
	store     ChunkStore
	publisher EventPublisher
	cfg       RetrievalConfig
}

// NewRetrievalService creates a new retrieval service. A nil embedder or store
// leaves retrieval disabled: Index fails and Search returns nothing.
func NewRetrievalService(
	embedder EmbeddingGenerator,
	store ChunkStore,
	publisher EventPublisher,
	cfg RetrievalConfig,
) *RetrievalService {
	defaults := DefaultRetrievalConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = defaults.ChunkOverlap
	}
	if cfg.EmbedDelay < 0 {
		cfg.EmbedDelay = 0
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}

	return &RetrievalService{
		embedder:  embedder,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Enabled reports whether an embedder and store are wired.
func (s *RetrievalService) Enabled() bool {
	return s != nil && s.embedder != nil && s.store != nil
}

// Index chunks text, embeds every chunk and replaces the source's chunks. The
// store is only written once every chunk has an embedding.
func (s *RetrievalService) Index(
	ctx context.Context,
	source SourceRef,
	text string,
	metadata map[string]string,
) (IndexResult, error) {
	if source.Type == "" || source.ID == "" {
		return IndexResult{}, fmt.Errorf("%w: source type and id are required", ErrInvalidRequest)
	}
	if !s.Enabled() {
		return IndexResult{}, ErrRetrievalUnavailable
	}

	logger := observability.FromContext(ctx)

	pieces := SplitText(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	logger.Info("indexing source",
		observability.String("source", source.String()),
		observability.Int("chunks", len(pieces)))

	chunks := make([]ContentChunk, 0, len(pieces))
	for i, piece := range pieces {
		if i > 0 {
			if err := sleepContext(ctx, s.cfg.EmbedDelay); err != nil {
				return IndexResult{}, &ChunkIndexError{Source: source, Embedded: i, Total: len(pieces), Err: err}
			}
		}

		embedding, err := s.embedder.Generate(ctx, piece)
		if err != nil {
			logger.Error("chunk embedding failed, aborting index",
				observability.String("source", source.String()),
				observability.Int("embedded", i),
				observability.Int("total", len(pieces)),
				observability.Error(err))
			return IndexResult{}, &ChunkIndexError{Source: source, Embedded: i, Total: len(pieces), Err: err}
		}

		chunks = append(chunks, ContentChunk{
			Source:        source,
			SequenceIndex: i,
			Text:          piece,
			Embedding:     embedding,
			Metadata:      copyMetadata(metadata),
		})
	}

	if err := s.store.ReplaceSource(ctx, source, chunks); err != nil {
		return IndexResult{}, fmt.Errorf("failed to replace chunks for %s: %w", source, err)
	}

	s.publish(ctx, "retrieval.indexed", map[string]interface{}{
		"source": source.String(),
		"chunks": len(chunks),
	})

	return IndexResult{Source: source, Chunks: len(chunks)}, nil
}

// Search embeds query once and returns at most TopK snippets at or above the
// threshold, most similar first. Failures yield an empty result.
func (s *RetrievalService) Search(ctx context.Context, query string, opts SearchOptions) []RetrievedSnippet {
	if !s.Enabled() || strings.TrimSpace(query) == "" {
		return nil
	}

	logger := observability.FromContext(ctx)

	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.Threshold
	}
	if opts.TopK <= 0 {
		opts.TopK = s.cfg.TopK
	}

	embedding, err := s.embedder.Generate(ctx, query)
	if err != nil {
		s.unavailable(ctx, fmt.Errorf("failed to generate embedding: %w", err))
		return nil
	}

	results, err := s.store.Search(ctx, embedding, ChunkQuery{
		Threshold: opts.Threshold,
		TopK:      opts.TopK,
		Scope:     opts.Scope,
	})
	if err != nil {
		s.unavailable(ctx, fmt.Errorf("failed to search chunks: %w", err))
		return nil
	}

	filtered := make([]RetrievedSnippet, 0, len(results))
	for _, r := range results {
		if r.Similarity >= opts.Threshold {
			filtered = append(filtered, r)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Similarity > filtered[j].Similarity
	})
	if len(filtered) > opts.TopK {
		filtered = filtered[:opts.TopK]
	}

	logger.Debug("retrieval search completed",
		observability.Int("candidates", len(results)),
		observability.Int("returned", len(filtered)),
		observability.Float64("threshold", opts.Threshold))

	s.publish(ctx, "retrieval.searched", map[string]interface{}{
		"returned": len(filtered),
	})

	return filtered
}

func (s *RetrievalService) unavailable(ctx context.Context, err error) {
	observability.FromContext(ctx).Warn("retrieval unavailable, continuing without context",
		observability.Error(errors.Join(ErrRetrievalUnavailable, err)))
	s.publish(ctx, "retrieval.unavailable", map[string]interface{}{
		"error": err.Error(),
	})
}

func (s *RetrievalService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, eventType, data)
	}
}

// BuildContextBlock renders snippets for inclusion in a system prompt.
func BuildContextBlock(snippets []RetrievedSnippet) string {
	if len(snippets) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Reference material:")
	for i, snippet := range snippets {
		fmt.Fprintf(&b, "\n\n[%d] (%s)\n%s", i+1, snippet.Source, snippet.Text)
	}
	return b.String()
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
