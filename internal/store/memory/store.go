// Package memory implements the ledger, limit and conversation stores in
// process memory for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidbz/markl/internal/domain"
)

type usageKey struct {
	ref domain.ScopeRef
	day string
}

type conversation struct {
	status   string
	category string
}

// Store is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	usage         map[usageKey]int
	limits        map[domain.ScopeRef]int
	conversations map[string]conversation
	entries       []domain.UsageEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		usage:         make(map[usageKey]int),
		limits:        make(map[domain.ScopeRef]int),
		conversations: make(map[string]conversation),
	}
}

// Record adds the entry to every scope of its identity.
func (s *Store) Record(_ context.Context, entry domain.UsageEntry) error {
	refs := entry.Identity.Scopes()
	if len(refs) == 0 {
		return errors.New("usage entry has no scope")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		s.usage[usageKey{ref: ref, day: entry.Day}] += entry.Usage.Total()
	}
	s.entries = append(s.entries, entry)
	return nil
}

// UsedOn returns the tokens charged to ref on day.
func (s *Store) UsedOn(_ context.Context, ref domain.ScopeRef, day string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usage[usageKey{ref: ref, day: day}], nil
}

// Entries returns a copy of every recorded entry.
func (s *Store) Entries() []domain.UsageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UsageEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// DailyLimit returns the override for ref, if any.
func (s *Store) DailyLimit(_ context.Context, ref domain.ScopeRef) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit, ok := s.limits[ref]
	return limit, ok, nil
}

// SetDailyLimit stores an override for ref.
func (s *Store) SetDailyLimit(_ context.Context, ref domain.ScopeRef, limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must not be negative: %d", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits[ref] = limit
	return nil
}

// MarkEscalated flags the conversation.
func (s *Store) MarkEscalated(_ context.Context, conversationID string, category string) error {
	if conversationID == "" {
		return errors.New("conversation id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations[conversationID] = conversation{status: "escalated", category: category}
	return nil
}

// ConversationStatus returns the status and escalation category.
// Unknown conversations are reported as active.
func (s *Store) ConversationStatus(_ context.Context, conversationID string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return "active", "", nil
	}
	return c.status, c.category, nil
}
