package domain

import "context"

// Provider represents any LLM vendor adapter.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream sends a completion request and returns a stream of events. The
	// error is reserved for input rejected before any I/O; later failures
	// arrive as a single error event.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamEvent, error)

	// Vendor returns the adapter identifier.
	Vendor() Vendor

	// IsModelSupported checks if the adapter serves the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels lists the models served by the adapter.
	SupportedModels(ctx context.Context) []string
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by vendor.
	Get(ctx context.Context, vendor Vendor) (Provider, error)

	// GetByModel retrieves the provider serving a model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// List returns all registered vendors.
	List(ctx context.Context) ([]Vendor, error)
}

// Router determines which vendor serves a request.
type Router interface {
	// Route selects a vendor based on request criteria.
	Route(ctx context.Context, req *RouteRequest) (*RouteResult, error)
}

// RouteRequest contains criteria for vendor selection. Vendor is optional.
type RouteRequest struct {
	Model  string
	Vendor Vendor
}

// RouteResult is the resolved vendor and model id.
type RouteResult struct {
	Vendor Vendor
	Model  string
}

// EventPublisher publishes events for observability.
type EventPublisher interface {
	// Publish publishes an event with the given type and data.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}

// EmbeddingGenerator creates vector embeddings from text.
type EmbeddingGenerator interface {
	// Generate creates a vector embedding from text.
	Generate(ctx context.Context, text string) ([]float64, error)

	// Name returns the generator identifier.
	Name() string

	// Dimension returns the vector dimension.
	Dimension() int
}

// ChunkStore is the external vector store holding embedded chunks.
type ChunkStore interface {
	// ReplaceSource deletes every chunk of source and inserts chunks in one
	// atomic step.
	ReplaceSource(ctx context.Context, source SourceRef, chunks []ContentChunk) error

	// Search ranks stored chunks by cosine similarity to embedding.
	Search(ctx context.Context, embedding []float64, query ChunkQuery) ([]RetrievedSnippet, error)
}

// UsageLedger stores completed usage and answers same-day totals.
type UsageLedger interface {
	// Record appends a usage entry.
	Record(ctx context.Context, entry UsageEntry) error

	// UsedOn returns the tokens charged to a scope on a UTC day key.
	UsedOn(ctx context.Context, ref ScopeRef, day string) (int, error)
}

// LimitStore holds per-scope daily limit overrides.
type LimitStore interface {
	// DailyLimit returns the configured limit; ok is false when unset.
	DailyLimit(ctx context.Context, ref ScopeRef) (limit int, ok bool, err error)

	// SetDailyLimit configures a limit override.
	SetDailyLimit(ctx context.Context, ref ScopeRef, limit int) error
}

// ConversationStore persists conversation status.
type ConversationStore interface {
	// MarkEscalated flags a conversation for human follow-up.
	MarkEscalated(ctx context.Context, conversationID string, category string) error
}

// EscalationChannel delivers one escalation event to one destination.
type EscalationChannel interface {
	// Name returns the channel identifier used in logs and metrics.
	Name() string

	// Send attempts a single delivery. Failures are *DeliveryError.
	Send(ctx context.Context, event *EscalationEvent) error
}

// Retriever searches indexed knowledge for prompt context.
type Retriever interface {
	Search(ctx context.Context, query string, opts SearchOptions) []RetrievedSnippet
}

// QuotaEnforcer admits requests against daily budgets and records usage.
type QuotaEnforcer interface {
	CheckAndAdmit(ctx context.Context, identity Identity, estimatedCost int) (QuotaDecision, error)
	Record(ctx context.Context, identity Identity, usage Usage, meta UsageMeta) error
}

// EscalationSubmitter hands events to background delivery without blocking.
type EscalationSubmitter interface {
	Submit(ctx context.Context, event *EscalationEvent) bool
}
