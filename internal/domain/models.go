package domain

import (
	"strings"
	"time"
)

// Vendor identifies an LLM backend. The set is closed: every value has
// exactly one adapter registered at startup.
type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGemini    Vendor = "gemini"
	VendorEcho      Vendor = "echo"
)

// Valid reports whether v is one of the known vendors.
func (v Vendor) Valid() bool {
	switch v {
	case VendorOpenAI, VendorAnthropic, VendorGemini, VendorEcho:
		return true
	default:
		return false
	}
}

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// CompletionRequest represents a unified LLM request.
type CompletionRequest struct {
	Vendor       Vendor    `json:"vendor,omitempty"`
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Clone returns a deep copy so adapters can translate without touching the
// dispatched request.
func (r *CompletionRequest) Clone() *CompletionRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	return &out
}

// SystemInstruction merges the explicit system prompt and every system-role
// message into a single instruction, explicit prompt first.
func (r *CompletionRequest) SystemInstruction() string {
	parts := make([]string, 0, len(r.Messages)+1)
	if s := strings.TrimSpace(r.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	for _, msg := range r.Messages {
		if msg.Role != RoleSystem {
			continue
		}
		if s := strings.TrimSpace(msg.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ConversationMessages returns the non-system messages in their original order.
func (r *CompletionRequest) ConversationMessages() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, msg := range r.Messages {
		if msg.Role == RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// LastUserMessage returns the content of the most recent user message.
func (r *CompletionRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// CompletionResponse represents a unified LLM response.
type CompletionResponse struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Vendor     Vendor    `json:"vendor"`
	Content    string    `json:"content"`
	Usage      Usage     `json:"usage"`
	Cost       float64   `json:"cost,omitempty"`
	FinishTime time.Time `json:"finish_time"`
}

// Usage tracks token consumption. Estimated marks values produced by the
// local estimator rather than reported by the vendor.
type Usage struct {
	InputTokens  int  `json:"inputTokens"`
	OutputTokens int  `json:"outputTokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// EventKind tags a StreamEvent.
type EventKind string

const (
	EventToken EventKind = "token"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// StreamEvent is one element of a completion stream. A stream carries any
// number of token events followed by exactly one done or error event.
type StreamEvent struct {
	Kind  EventKind
	Token string
	Usage *Usage
	Err   error
}

// TokenEvent builds a token event.
func TokenEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventToken, Token: text}
}

// DoneEvent builds the successful terminal event.
func DoneEvent(usage Usage) StreamEvent {
	return StreamEvent{Kind: EventDone, Usage: &usage}
}

// ErrorEvent builds the failed terminal event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Kind: EventError, Err: err}
}

// Terminal reports whether the event closes the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// AlternatingTurns folds the conversation into strictly alternating
// user/assistant turns for vendors that reject repeated roles. Consecutive
// messages of one role are joined with a blank line. History before the first
// user message and assistant turns after the last one are dropped, so the
// final turn is always the user message being answered.
func (r *CompletionRequest) AlternatingTurns() []Message {
	turns := make([]Message, 0, len(r.Messages))
	for _, msg := range r.ConversationMessages() {
		if len(turns) == 0 && msg.Role != RoleUser {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == msg.Role {
			turns[n-1].Content += "\n\n" + msg.Content
			continue
		}
		turns = append(turns, msg)
	}
	for len(turns) > 0 && turns[len(turns)-1].Role != RoleUser {
		turns = turns[:len(turns)-1]
	}
	return turns
}
