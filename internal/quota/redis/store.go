// Package redis keeps daily usage counters and limit overrides in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

const (
	usageKeyPrefix = "markl:usage:"
	limitsKey      = "markl:quota:limits"

	// Counters outlive their UTC day so late reads near midnight still work.
	usageTTL = 48 * time.Hour

	fieldTotal     = "total"
	fieldInput     = "input"
	fieldOutput    = "output"
	fieldEstimated = "estimated"
	fieldCost      = "cost"
)

// Store implements domain.UsageLedger and domain.LimitStore.
type Store struct {
	client *redis.Client
}

// NewStore creates a new Redis quota store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Record adds the entry to the counter of every scope of its identity.
func (s *Store) Record(ctx context.Context, entry domain.UsageEntry) error {
	refs := entry.Identity.Scopes()
	if len(refs) == 0 {
		return errors.New("usage entry has no scope")
	}

	pipe := s.client.TxPipeline()
	for _, ref := range refs {
		key := usageKey(ref, entry.Day)
		pipe.HIncrBy(ctx, key, fieldTotal, int64(entry.Usage.Total()))
		pipe.HIncrBy(ctx, key, fieldInput, int64(entry.Usage.InputTokens))
		pipe.HIncrBy(ctx, key, fieldOutput, int64(entry.Usage.OutputTokens))
		if entry.Usage.Estimated {
			pipe.HIncrBy(ctx, key, fieldEstimated, int64(entry.Usage.Total()))
		}
		if entry.Cost > 0 {
			pipe.HIncrByFloat(ctx, key, fieldCost, entry.Cost)
		}
		pipe.Expire(ctx, key, usageTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		observability.FromContext(ctx).Error("usage record failed", observability.Error(err))
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsedOn returns the tokens charged to ref on day.
func (s *Store) UsedOn(ctx context.Context, ref domain.ScopeRef, day string) (int, error) {
	used, err := s.client.HGet(ctx, usageKey(ref, day), fieldTotal).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage of %s: %w", ref, err)
	}
	return used, nil
}

// DailyLimit returns the override for ref, if any.
func (s *Store) DailyLimit(ctx context.Context, ref domain.ScopeRef) (int, bool, error) {
	raw, err := s.client.HGet(ctx, limitsKey, ref.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read limit of %s: %w", ref, err)
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid limit %q for %s: %w", raw, ref, err)
	}
	return limit, true, nil
}

// SetDailyLimit stores an override for ref.
func (s *Store) SetDailyLimit(ctx context.Context, ref domain.ScopeRef, limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must not be negative: %d", limit)
	}
	if err := s.client.HSet(ctx, limitsKey, ref.String(), limit).Err(); err != nil {
		return fmt.Errorf("failed to set limit of %s: %w", ref, err)
	}
	return nil
}

func usageKey(ref domain.ScopeRef, day string) string {
	return usageKeyPrefix + string(ref.Scope) + ":" + ref.ID + ":" + day
}
