// Package redis stores knowledge chunks in a RediSearch vector index.
package redis

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

const (
	redisDialectVersion = 2
	maxReplaceAttempts  = 5

	chunkKeyPrefix  = "markl:chunk:"
	sourceKeyPrefix = "markl:source:"

	fieldEmbedding  = "embedding"
	fieldText       = "text"
	fieldSourceType = "source_type"
	fieldSourceID   = "source_id"
	fieldSeq        = "seq"
	fieldScope      = "scope"
	fieldMetadata   = "metadata"
	fieldIndexedAt  = "indexed_at"
	fieldScore      = "score"
)

// ChunkStore implements domain.ChunkStore on Redis hashes indexed by
// RediSearch.
type ChunkStore struct {
	client             *redis.Client
	indexName          string
	embeddingDimension int
}

// NewChunkStore creates the store and its index when missing.
func NewChunkStore(ctx context.Context, client *redis.Client, indexName string, embeddingDimension int) (*ChunkStore, error) {
	s := &ChunkStore{
		client:             client,
		indexName:          indexName,
		embeddingDimension: embeddingDimension,
	}

	if err := s.createIndex(ctx); err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return s, nil
}

// ReplaceSource swaps every chunk of source for chunks in one MULTI/EXEC.
// The source's key set is WATCHed, so a concurrent replace of the same source
// aborts this transaction and it is retried against the newer generation.
func (s *ChunkStore) ReplaceSource(ctx context.Context, source domain.SourceRef, chunks []domain.ContentChunk) error {
	logger := observability.FromContext(ctx)
	setKey := sourceKey(source)

	metadata := make([]string, len(chunks))
	for i, chunk := range chunks {
		encoded, err := encodeMetadata(chunk.Metadata)
		if err != nil {
			return err
		}
		metadata[i] = encoded
	}

	var removed int
	replace := func(tx *redis.Tx) error {
		existing, err := tx.SMembers(ctx, setKey).Result()
		if err != nil {
			return fmt.Errorf("failed to list chunks of %s: %w", source, err)
		}
		removed = len(existing)

		now := time.Now().Unix()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(existing) > 0 {
				pipe.Del(ctx, existing...)
			}
			pipe.Del(ctx, setKey)

			for i, chunk := range chunks {
				key := chunkKey(source, chunk.SequenceIndex)
				pipe.HSet(ctx, key,
					fieldEmbedding, floatsToBytes(chunk.Embedding),
					fieldText, chunk.Text,
					fieldSourceType, source.Type,
					fieldSourceID, source.ID,
					fieldSeq, chunk.SequenceIndex,
					fieldScope, chunk.Scope(),
					fieldMetadata, metadata[i],
					fieldIndexedAt, now,
				)
				pipe.SAdd(ctx, setKey, key)
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 1; attempt <= maxReplaceAttempts; attempt++ {
		err = s.client.Watch(ctx, replace, setKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		logger.Debug("concurrent chunk replace, retrying",
			observability.String("source", source.String()),
			observability.Int("attempt", attempt))
	}
	if err != nil {
		logger.Error("chunk replace failed", observability.Error(err))
		return fmt.Errorf("failed to replace chunks of %s: %w", source, err)
	}

	logger.Debug("chunks replaced",
		observability.String("source", source.String()),
		observability.Int("removed", removed),
		observability.Int("stored", len(chunks)))
	return nil
}

// Search runs a KNN query and keeps hits at or above the threshold.
func (s *ChunkStore) Search(
	ctx context.Context,
	embedding []float64,
	query domain.ChunkQuery,
) ([]domain.RetrievedSnippet, error) {
	logger := observability.FromContext(ctx)
	logger.Debug("starting vector search",
		observability.String("index", s.indexName),
		observability.Int("embedding_dim", len(embedding)),
		observability.Float64("threshold", query.Threshold),
		observability.Int("limit", query.TopK))

	results, err := s.client.FTSearchWithArgs(ctx, s.indexName, knnQuery(query),
		&redis.FTSearchOptions{
			Return: []redis.FTSearchReturn{
				{FieldName: fieldText},
				{FieldName: fieldSourceType},
				{FieldName: fieldSourceID},
				{FieldName: fieldSeq},
				{FieldName: fieldMetadata},
				{FieldName: fieldScore},
			},
			SortBy:         []redis.FTSearchSortBy{{FieldName: fieldScore, Asc: true}},
			LimitOffset:    0,
			Limit:          query.TopK,
			DialectVersion: redisDialectVersion,
			Params: map[string]any{
				"vec": floatsToBytes(embedding),
			},
		},
	).Result()
	if err != nil {
		logger.Error("vector search failed", observability.Error(err))
		return nil, fmt.Errorf("search failed: %w", err)
	}

	logger.Debug("vector search completed",
		observability.Int("total_docs", results.Total),
		observability.Int("docs_returned", len(results.Docs)))

	snippets := make([]domain.RetrievedSnippet, 0, len(results.Docs))
	for _, doc := range results.Docs {
		snippet, ok := parseDocument(doc)
		if !ok {
			logger.Warn("skipping malformed search result", observability.String("key", doc.ID))
			continue
		}
		if snippet.Similarity < query.Threshold {
			continue
		}
		snippets = append(snippets, snippet)
	}
	return snippets, nil
}

// createIndex creates the Redis search index if it doesn't exist.
func (s *ChunkStore) createIndex(ctx context.Context) error {
	logger := observability.FromContext(ctx)

	if _, err := s.client.FTInfo(ctx, s.indexName).Result(); err == nil {
		logger.Info("redis search index already exists, skipping creation",
			observability.String("index_name", s.indexName))
		return nil
	}

	logger.Info("creating redis search index",
		observability.String("index_name", s.indexName),
		observability.Int("embedding_dimension", s.embeddingDimension))

	_, err := s.client.FTCreate(ctx, s.indexName,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []any{chunkKeyPrefix},
		},
		&redis.FieldSchema{
			FieldName: fieldEmbedding,
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            s.embeddingDimension,
					DistanceMetric: "COSINE",
				},
			},
		},
		&redis.FieldSchema{FieldName: fieldText, FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: fieldSourceType, FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: fieldSourceID, FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: fieldScope, FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: fieldSeq, FieldType: redis.SearchFieldTypeNumeric},
		&redis.FieldSchema{FieldName: fieldIndexedAt, FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
	).Result()
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	logger.Info("successfully created redis search index",
		observability.String("index_name", s.indexName))
	return nil
}

func chunkKey(source domain.SourceRef, seq int) string {
	return fmt.Sprintf("%s%s:%s:%d", chunkKeyPrefix, source.Type, source.ID, seq)
}

func sourceKey(source domain.SourceRef) string {
	return sourceKeyPrefix + source.Type + ":" + source.ID
}

func knnQuery(query domain.ChunkQuery) string {
	filter := "*"
	if query.Scope != "" {
		filter = fmt.Sprintf("(@%s:{%s})", fieldScope, escapeTag(query.Scope))
	}
	return fmt.Sprintf("%s=>[KNN %d @%s $vec AS %s]", filter, query.TopK, fieldEmbedding, fieldScore)
}

// escapeTag backslash-escapes everything RediSearch treats as tag syntax.
func escapeTag(value string) string {
	var b strings.Builder
	for _, r := range value {
		isWord := r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127
		if !isWord {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// floatsToBytes converts float64 slice to binary byte representation.
func floatsToBytes(fs []float64) []byte {
	const bytesPerFloat32 = 4
	buf := make([]byte, len(fs)*bytesPerFloat32)

	for i, f := range fs {
		u := math.Float32bits(float32(f))
		binary.LittleEndian.PutUint32(buf[i*bytesPerFloat32:], u)
	}

	return buf
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(raw), nil
}

// parseDocument converts a hit; the returned score is a cosine distance.
func parseDocument(doc redis.Document) (domain.RetrievedSnippet, bool) {
	scoreStr, ok := doc.Fields[fieldScore]
	if !ok {
		return domain.RetrievedSnippet{}, false
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return domain.RetrievedSnippet{}, false
	}

	text, ok := doc.Fields[fieldText]
	if !ok {
		return domain.RetrievedSnippet{}, false
	}

	seq, _ := strconv.Atoi(doc.Fields[fieldSeq])

	var metadata map[string]string
	if raw := doc.Fields[fieldMetadata]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &metadata)
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return domain.RetrievedSnippet{
		Source: domain.SourceRef{
			Type: doc.Fields[fieldSourceType],
			ID:   doc.Fields[fieldSourceID],
		},
		SequenceIndex: seq,
		Text:          text,
		Similarity:    1.0 - score,
		Metadata:      metadata,
	}, true
}
