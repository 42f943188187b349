package domain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidbz/markl/internal/domain"
)

// fakeProvider is a scriptable domain.Provider.
type fakeProvider struct {
	vendor       domain.Vendor
	models       map[string]bool
	completeFunc func(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error)
	streamFunc   func(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamEvent, error)

	mu       sync.Mutex
	requests []*domain.CompletionRequest
}

func newFakeProvider(vendor domain.Vendor, models ...string) *fakeProvider {
	set := make(map[string]bool, len(models))
	for _, m := range models {
		set[m] = true
	}
	return &fakeProvider{vendor: vendor, models: set}
}

func (p *fakeProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	p.capture(req)
	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}
	return &domain.CompletionResponse{ID: "resp-1", Model: req.Model, Vendor: p.vendor, Content: "ok"}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	p.capture(req)
	if p.streamFunc != nil {
		return p.streamFunc(ctx, req)
	}
	return scriptedStream(ctx, domain.DoneEvent(domain.Usage{InputTokens: 1, OutputTokens: 1})), nil
}

func (p *fakeProvider) Vendor() domain.Vendor { return p.vendor }

func (p *fakeProvider) IsModelSupported(_ context.Context, model string) bool { return p.models[model] }

func (p *fakeProvider) SupportedModels(_ context.Context) []string {
	out := make([]string, 0, len(p.models))
	for m := range p.models {
		out = append(out, m)
	}
	return out
}

func (p *fakeProvider) capture(req *domain.CompletionRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) lastRequest() *domain.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

// scriptedStream emits events in order, honoring cancellation.
func scriptedStream(ctx context.Context, events ...domain.StreamEvent) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range events {
			if !domain.SendEvent(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

// fakeRegistry looks providers up by vendor.
type fakeRegistry struct {
	providers map[domain.Vendor]domain.Provider
}

func newFakeRegistry(providers ...domain.Provider) *fakeRegistry {
	r := &fakeRegistry{providers: make(map[domain.Vendor]domain.Provider)}
	for _, p := range providers {
		r.providers[p.Vendor()] = p
	}
	return r
}

func (r *fakeRegistry) Register(_ context.Context, provider domain.Provider) error {
	r.providers[provider.Vendor()] = provider
	return nil
}

func (r *fakeRegistry) Get(_ context.Context, vendor domain.Vendor) (domain.Provider, error) {
	p, ok := r.providers[vendor]
	if !ok {
		return nil, fmt.Errorf("provider %s not found", vendor)
	}
	return p, nil
}

func (r *fakeRegistry) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	for _, p := range r.providers {
		if p.IsModelSupported(ctx, model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider found for model: %s", model)
}

func (r *fakeRegistry) List(_ context.Context) ([]domain.Vendor, error) {
	out := make([]domain.Vendor, 0, len(r.providers))
	for v := range r.providers {
		out = append(out, v)
	}
	return out, nil
}

// fakeRouter resolves every model through the registry.
type fakeRouter struct {
	registry domain.ProviderRegistry
	aliases  map[string]string
}

func (r *fakeRouter) Route(ctx context.Context, req *domain.RouteRequest) (*domain.RouteResult, error) {
	model := req.Model
	if target, ok := r.aliases[model]; ok {
		model = target
	}
	if req.Vendor != "" {
		return &domain.RouteResult{Vendor: req.Vendor, Model: model}, nil
	}
	p, err := r.registry.GetByModel(ctx, model)
	if err != nil {
		return nil, err
	}
	return &domain.RouteResult{Vendor: p.Vendor(), Model: model}, nil
}

// fakeLedger is an in-memory UsageLedger with injectable failures.
type fakeLedger struct {
	mu        sync.Mutex
	used      map[domain.ScopeRef]int
	readErr   map[domain.ScopeRef]error
	recordErr error
	entries   []domain.UsageEntry
	reads     []domain.ScopeRef
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		used:    make(map[domain.ScopeRef]int),
		readErr: make(map[domain.ScopeRef]error),
	}
}

func (l *fakeLedger) Record(_ context.Context, entry domain.UsageEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *fakeLedger) UsedOn(_ context.Context, ref domain.ScopeRef, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads = append(l.reads, ref)
	if err := l.readErr[ref]; err != nil {
		return 0, err
	}
	return l.used[ref], nil
}

func (l *fakeLedger) recorded() []domain.UsageEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.UsageEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// fakeLimits is an in-memory LimitStore.
type fakeLimits struct {
	limits map[domain.ScopeRef]int
	err    error
}

func (s *fakeLimits) DailyLimit(_ context.Context, ref domain.ScopeRef) (int, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	limit, ok := s.limits[ref]
	return limit, ok, nil
}

func (s *fakeLimits) SetDailyLimit(_ context.Context, ref domain.ScopeRef, limit int) error {
	if s.limits == nil {
		s.limits = make(map[domain.ScopeRef]int)
	}
	s.limits[ref] = limit
	return nil
}

// fakeQuota records calls to the QuotaEnforcer surface.
type fakeQuota struct {
	mu       sync.Mutex
	decision domain.QuotaDecision
	checkErr error
	checks   []int
	records  []domain.Usage
	recorded chan domain.Usage
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{
		decision: domain.QuotaDecision{Admitted: true},
		recorded: make(chan domain.Usage, 8),
	}
}

func (q *fakeQuota) CheckAndAdmit(_ context.Context, _ domain.Identity, cost int) (domain.QuotaDecision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checks = append(q.checks, cost)
	return q.decision, q.checkErr
}

func (q *fakeQuota) Record(_ context.Context, _ domain.Identity, usage domain.Usage, _ domain.UsageMeta) error {
	q.mu.Lock()
	q.records = append(q.records, usage)
	q.mu.Unlock()
	q.recorded <- usage
	return nil
}

func (q *fakeQuota) recordCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// fakeEmbedder returns a fixed vector or fails on a given call.
type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	failAt int
	vector []float64
}

func (e *fakeEmbedder) Generate(_ context.Context, _ string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failAt > 0 && e.calls == e.failAt {
		return nil, errors.New("embedding service unavailable")
	}
	if e.vector != nil {
		return e.vector, nil
	}
	return []float64{1, 0, 0}, nil
}

func (e *fakeEmbedder) Name() string   { return "fake" }
func (e *fakeEmbedder) Dimension() int { return 3 }

// fakeChunkStore captures writes and serves canned search results.
type fakeChunkStore struct {
	replaced  map[domain.SourceRef][]domain.ContentChunk
	results   []domain.RetrievedSnippet
	searchErr error
	queries   []domain.ChunkQuery
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{replaced: make(map[domain.SourceRef][]domain.ContentChunk)}
}

func (s *fakeChunkStore) ReplaceSource(_ context.Context, source domain.SourceRef, chunks []domain.ContentChunk) error {
	s.replaced[source] = chunks
	return nil
}

func (s *fakeChunkStore) Search(_ context.Context, _ []float64, query domain.ChunkQuery) ([]domain.RetrievedSnippet, error) {
	s.queries = append(s.queries, query)
	return s.results, s.searchErr
}

// fakeRetriever returns canned snippets.
type fakeRetriever struct {
	snippets []domain.RetrievedSnippet
	queries  []string
}

func (r *fakeRetriever) Search(_ context.Context, query string, _ domain.SearchOptions) []domain.RetrievedSnippet {
	r.queries = append(r.queries, query)
	return r.snippets
}

// fakeChannel replays a script of delivery results.
type fakeChannel struct {
	name string

	mu     sync.Mutex
	script []error
	calls  int
	events []*domain.EscalationEvent
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, event *domain.EscalationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.events = append(c.events, event)
	if len(c.script) == 0 {
		return nil
	}
	err := c.script[0]
	c.script = c.script[1:]
	return err
}

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeConversations records MarkEscalated calls.
type fakeConversations struct {
	marked chan string
}

func (c *fakeConversations) MarkEscalated(_ context.Context, conversationID, category string) error {
	c.marked <- conversationID + ":" + category
	return nil
}

// fakeSubmitter captures escalation events.
type fakeSubmitter struct {
	events chan *domain.EscalationEvent
}

func (s *fakeSubmitter) Submit(_ context.Context, event *domain.EscalationEvent) bool {
	s.events <- event
	return true
}

// recordingPublisher captures published event types.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, _ map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}
