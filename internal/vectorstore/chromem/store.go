// Package chromem keeps knowledge chunks in an embedded chromem-go database,
// optionally persisted to disk.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/davidbz/markl/internal/domain"
)

const (
	collectionName = "knowledge_chunks"

	metaSourceType = "_source_type"
	metaSourceID   = "_source_id"
	metaSeq        = "_seq"
)

// errNoEmbedder is returned if chromem is ever asked to embed text itself.
var errNoEmbedder = errors.New("embeddings must be precomputed")

// ChunkStore implements domain.ChunkStore on a single chromem collection.
type ChunkStore struct {
	mu  sync.RWMutex
	col *chromem.Collection
}

// NewChunkStore opens the store. An empty dir keeps everything in memory.
func NewChunkStore(dir string) (*ChunkStore, error) {
	db := chromem.NewDB()
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open vectorstore: %w", err)
		}
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChunkStore{col: col}, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// ReplaceSource deletes the source's chunks and adds the new ones under one
// write lock, so searches never see a half-replaced source.
func (s *ChunkStore) ReplaceSource(ctx context.Context, source domain.SourceRef, chunks []domain.ContentChunk) error {
	docs := make([]chromem.Document, 0, len(chunks))
	for _, chunk := range chunks {
		docs = append(docs, toDocument(source, chunk))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	where := map[string]string{metaSourceType: source.Type, metaSourceID: source.ID}
	if err := s.col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", source, err)
	}

	if len(docs) == 0 {
		return nil
	}
	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add chunks of %s: %w", source, err)
	}
	return nil
}

// Search returns up to TopK chunks at or above the threshold.
func (s *ChunkStore) Search(
	ctx context.Context,
	embedding []float64,
	query domain.ChunkQuery,
) ([]domain.RetrievedSnippet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.col.Count()
	if count == 0 || query.TopK <= 0 {
		return nil, nil
	}
	k := min(query.TopK, count)

	var where map[string]string
	if query.Scope != "" {
		where = map[string]string{domain.MetadataScope: query.Scope}
	}

	vec := toFloat32(embedding)

	// chromem rejects nResults above the filtered document count, which
	// Count cannot tell us; step k down until it is accepted.
	var (
		results []chromem.Result
		err     error
	)
	for attemptK := k; attemptK > 0; attemptK-- {
		results, err = s.col.QueryEmbedding(ctx, vec, attemptK, where, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}

	snippets := make([]domain.RetrievedSnippet, 0, len(results))
	for _, r := range results {
		if float64(r.Similarity) < query.Threshold {
			continue
		}
		snippets = append(snippets, fromResult(r))
	}
	return snippets, nil
}

func toDocument(source domain.SourceRef, chunk domain.ContentChunk) chromem.Document {
	metadata := make(map[string]string, len(chunk.Metadata)+3)
	for k, v := range chunk.Metadata {
		metadata[k] = v
	}
	metadata[metaSourceType] = source.Type
	metadata[metaSourceID] = source.ID
	metadata[metaSeq] = strconv.Itoa(chunk.SequenceIndex)

	return chromem.Document{
		ID:        fmt.Sprintf("%s:%s:%d", source.Type, source.ID, chunk.SequenceIndex),
		Metadata:  metadata,
		Embedding: toFloat32(chunk.Embedding),
		Content:   chunk.Text,
	}
}

func fromResult(r chromem.Result) domain.RetrievedSnippet {
	seq, _ := strconv.Atoi(r.Metadata[metaSeq])

	var metadata map[string]string
	for k, v := range r.Metadata {
		switch k {
		case metaSourceType, metaSourceID, metaSeq:
			continue
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata[k] = v
	}

	return domain.RetrievedSnippet{
		Source: domain.SourceRef{
			Type: r.Metadata[metaSourceType],
			ID:   r.Metadata[metaSourceID],
		},
		SequenceIndex: seq,
		Text:          r.Content,
		Similarity:    float64(r.Similarity),
		Metadata:      metadata,
	}
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
