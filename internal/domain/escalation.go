package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EscalationTrigger maps a category to the keywords that raise it.
type EscalationTrigger struct {
	Category string   `json:"category" yaml:"category"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// EscalationMatch is a detected category with the keywords found, in table order.
type EscalationMatch struct {
	Category string
	Keywords []string
}

// EscalationEvent is created once per detection; retries reuse the instance.
type EscalationEvent struct {
	ID                 string    `json:"id"`
	Category           string    `json:"category"`
	MatchedKeywords    []string  `json:"matchedKeywords"`
	OriginatingMessage string    `json:"originatingMessage"`
	ConversationID     string    `json:"conversationId,omitempty"`
	Identity           Identity  `json:"identity"`
	DetectedAt         time.Time `json:"detectedAt"`
}

// NewEscalationEvent builds an event for a match.
func NewEscalationEvent(match EscalationMatch, message, conversationID string, identity Identity) *EscalationEvent {
	keywords := make([]string, len(match.Keywords))
	copy(keywords, match.Keywords)

	return &EscalationEvent{
		ID:                 uuid.New().String(),
		Category:           match.Category,
		MatchedKeywords:    keywords,
		OriginatingMessage: message,
		ConversationID:     conversationID,
		Identity:           identity,
		DetectedAt:         time.Now().UTC(),
	}
}

// DefaultEscalationTriggers is the table used when no configuration is given.
func DefaultEscalationTriggers() []EscalationTrigger {
	return []EscalationTrigger{
		{
			Category: "system_error",
			Keywords: []string{"エラー", "動かない", "表示されない", "error", "crash", "not working"},
		},
		{
			Category: "urgent",
			Keywords: []string{"至急", "緊急", "すぐに", "urgent", "asap", "emergency"},
		},
		{
			Category: "bug_report",
			Keywords: []string{"不具合", "おかしい", "壊れ", "broken", "bug"},
		},
	}
}

type compiledTrigger struct {
	category string
	keywords []string
	lowered  []string
}

// EscalationDetector matches text against an ordered trigger table.
type EscalationDetector struct {
	triggers []compiledTrigger
}

// NewEscalationDetector creates a detector. The first category with any
// matching keyword wins, so table order is significant.
func NewEscalationDetector(triggers []EscalationTrigger) *EscalationDetector {
	compiled := make([]compiledTrigger, 0, len(triggers))
	for _, t := range triggers {
		c := compiledTrigger{category: t.Category}
		for _, kw := range t.Keywords {
			if strings.TrimSpace(kw) == "" {
				continue
			}
			c.keywords = append(c.keywords, kw)
			c.lowered = append(c.lowered, strings.ToLower(kw))
		}
		if c.category != "" && len(c.keywords) > 0 {
			compiled = append(compiled, c)
		}
	}
	return &EscalationDetector{triggers: compiled}
}

// Detect performs case-insensitive substring matching.
func (d *EscalationDetector) Detect(text string) (EscalationMatch, bool) {
	if d == nil || text == "" {
		return EscalationMatch{}, false
	}

	lowered := strings.ToLower(text)
	for _, t := range d.triggers {
		var matched []string
		for i, kw := range t.lowered {
			if strings.Contains(lowered, kw) {
				matched = append(matched, t.keywords[i])
			}
		}
		if len(matched) > 0 {
			return EscalationMatch{Category: t.category, Keywords: matched}, true
		}
	}
	return EscalationMatch{}, false
}
