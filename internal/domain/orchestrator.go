package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidbz/markl/internal/observability"
)

// PartialUsagePolicy decides whether a stream that fails after emitting
// output is billed.
type PartialUsagePolicy string

const (
	// PartialUsageNone records nothing for failed generations.
	PartialUsageNone PartialUsagePolicy = "none"

	// PartialUsageEstimate records an estimated entry when output was emitted
	// before the vendor failed.
	PartialUsageEstimate PartialUsagePolicy = "estimate"
)

// Completion states, published as event types.
const (
	stateContextBuilt = "completion.context_built"
	stateQuotaChecked = "completion.quota_checked"
	stateStreaming    = "completion.streaming"
	stateCompleted    = "completion.completed"
	stateFailed       = "completion.failed"
	stateCancelled    = "completion.cancelled"
	stateEscalated    = "completion.escalated"
)

// ChatTurn is one user turn to be answered.
type ChatTurn struct {
	Identity       Identity
	ConversationID string
	Request        *CompletionRequest
	SessionContext string
	RetrievalScope string
}

// CompletionDeps are the collaborators of CompletionService. Retriever,
// Detector, Escalations, Conversations and Publisher are optional.
type CompletionDeps struct {
	Registry      ProviderRegistry
	Router        Router
	Retriever     Retriever
	Quota         QuotaEnforcer
	Detector      *EscalationDetector
	Escalations   EscalationSubmitter
	Conversations ConversationStore
	Publisher     EventPublisher
}

// CompletionConfig tunes the orchestrator.
type CompletionConfig struct {
	PartialUsage PartialUsagePolicy
}

// CompletionService orchestrates context building, quota admission, vendor
// streaming, escalation and usage recording for a chat turn.
type CompletionService struct {
	deps CompletionDeps
	cfg  CompletionConfig
}

// NewCompletionService creates a new completion service (DI constructor).
func NewCompletionService(deps CompletionDeps, cfg CompletionConfig) *CompletionService {
	if cfg.PartialUsage == "" {
		cfg.PartialUsage = PartialUsageNone
	}
	return &CompletionService{deps: deps, cfg: cfg}
}

// Stream answers turn as a stream of events. Errors returned directly happen
// before any vendor call: invalid input, unknown vendor or a quota denial.
func (s *CompletionService) Stream(ctx context.Context, turn *ChatTurn) (<-chan StreamEvent, error) {
	req, provider, estimated, err := s.prepare(ctx, turn)
	if err != nil {
		return nil, err
	}

	ctx = observability.WithVendor(ctx, string(provider.Vendor()))
	s.publish(ctx, stateStreaming, nil)
	s.detectEscalation(ctx, turn)

	events, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to stream from provider: %w", err)
	}

	out := make(chan StreamEvent)
	go s.relay(ctx, turn, req, provider.Vendor(), estimated, events, out)
	return out, nil
}

// Complete answers turn with a single response.
func (s *CompletionService) Complete(ctx context.Context, turn *ChatTurn) (*CompletionResponse, error) {
	req, provider, _, err := s.prepare(ctx, turn)
	if err != nil {
		return nil, err
	}

	ctx = observability.WithVendor(ctx, string(provider.Vendor()))
	logger := observability.FromContext(ctx)
	s.publish(ctx, stateStreaming, nil)
	s.detectEscalation(ctx, turn)

	started := time.Now()
	response, err := provider.Complete(ctx, req)
	if err != nil {
		logger.Error("completion failed", observability.Error(err))
		s.publish(ctx, stateFailed, map[string]interface{}{"vendor": string(provider.Vendor())})
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	response.Usage = ResolveUsage(&response.Usage, req, response.Content)
	s.record(ctx, turn, req, provider.Vendor(), response.Usage)
	s.publish(ctx, stateCompleted, map[string]interface{}{
		"vendor":        string(provider.Vendor()),
		"input_tokens":  response.Usage.InputTokens,
		"output_tokens": response.Usage.OutputTokens,
		"estimated":     response.Usage.Estimated,
		"duration":      time.Since(started).Seconds(),
	})

	return response, nil
}

// CompleteStructured completes turn and decodes the reply as JSON into target.
// Content that does not parse is a *MalformedOutputError; the raw text is
// logged, never returned to the caller.
func (s *CompletionService) CompleteStructured(
	ctx context.Context,
	turn *ChatTurn,
	target any,
) (*CompletionResponse, error) {
	response, err := s.Complete(ctx, turn)
	if err != nil {
		return nil, err
	}

	if err := DecodeStructured(response.Content, target); err != nil {
		observability.FromContext(ctx).Error("model returned malformed structured output",
			observability.String("raw", response.Content),
			observability.Error(err))
		return nil, err
	}
	return response, nil
}

// DecodeStructured parses JSON content, tolerating a surrounding code fence.
func DecodeStructured(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}

	if err := json.Unmarshal([]byte(trimmed), target); err != nil {
		return &MalformedOutputError{Raw: content, Err: err}
	}
	return nil
}

// prepare runs Created -> ContextBuilt -> QuotaChecked and returns the
// request to dispatch.
func (s *CompletionService) prepare(
	ctx context.Context,
	turn *ChatTurn,
) (*CompletionRequest, Provider, int, error) {
	if turn == nil || turn.Request == nil {
		return nil, nil, 0, fmt.Errorf("%w: request cannot be nil", ErrInvalidRequest)
	}
	if turn.Request.Model == "" {
		return nil, nil, 0, fmt.Errorf("%w: model cannot be empty", ErrInvalidRequest)
	}
	if turn.Request.LastUserMessage() == "" {
		return nil, nil, 0, fmt.Errorf("%w: a user message is required", ErrInvalidRequest)
	}
	if turn.Request.Vendor != "" && !turn.Request.Vendor.Valid() {
		return nil, nil, 0, fmt.Errorf("%w: unknown vendor %q", ErrInvalidRequest, turn.Request.Vendor)
	}

	provider, model, err := s.resolveProvider(ctx, turn.Request)
	if err != nil {
		return nil, nil, 0, err
	}

	req := turn.Request.Clone()
	req.Vendor = provider.Vendor()
	req.Model = model
	req.SystemPrompt = s.buildSystemPrompt(ctx, turn)
	s.publish(ctx, stateContextBuilt, nil)

	estimated := EstimateMessages(req)
	decision, err := s.deps.Quota.CheckAndAdmit(ctx, turn.Identity, estimated)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("quota check failed: %w", err)
	}
	if !decision.Admitted {
		return nil, nil, 0, decision.DeniedError(estimated)
	}
	s.publish(ctx, stateQuotaChecked, map[string]interface{}{"estimated_cost": estimated})

	return req, provider, estimated, nil
}

func (s *CompletionService) resolveProvider(ctx context.Context, req *CompletionRequest) (Provider, string, error) {
	vendor, model := req.Vendor, req.Model
	if s.deps.Router != nil {
		routed, err := s.deps.Router.Route(ctx, &RouteRequest{Model: req.Model, Vendor: req.Vendor})
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrProviderNotFound, err)
		}
		vendor, model = routed.Vendor, routed.Model
	}
	if vendor == "" {
		return nil, "", fmt.Errorf("%w: vendor is required", ErrInvalidRequest)
	}

	provider, err := s.deps.Registry.Get(ctx, vendor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrProviderNotFound, err)
	}
	if !provider.IsModelSupported(ctx, model) {
		return nil, "", fmt.Errorf("%w: model %s is not served by %s", ErrProviderNotFound, model, vendor)
	}
	return provider, model, nil
}

// buildSystemPrompt merges the caller's prompt, session context and retrieved
// snippets. Retrieval is best effort.
func (s *CompletionService) buildSystemPrompt(ctx context.Context, turn *ChatTurn) string {
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(turn.Request.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if c := strings.TrimSpace(turn.SessionContext); c != "" {
		parts = append(parts, c)
	}

	if s.deps.Retriever != nil {
		snippets := s.deps.Retriever.Search(ctx, turn.Request.LastUserMessage(), SearchOptions{
			Scope: turn.RetrievalScope,
		})
		if block := BuildContextBlock(snippets); block != "" {
			parts = append(parts, block)
		}
	}

	return strings.Join(parts, "\n\n")
}

// detectEscalation scans the inbound user message off the request path.
func (s *CompletionService) detectEscalation(ctx context.Context, turn *ChatTurn) {
	if s.deps.Detector == nil {
		return
	}

	message := turn.Request.LastUserMessage()
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				observability.FromContext(bgCtx).Error("escalation detection panicked",
					observability.Any("panic", r))
			}
		}()

		match, ok := s.deps.Detector.Detect(message)
		if !ok {
			return
		}

		logger := observability.FromContext(bgCtx)
		logger.Info("escalation detected",
			observability.String("category", match.Category),
			observability.Strings("keywords", match.Keywords))

		if s.deps.Conversations != nil && turn.ConversationID != "" {
			if err := s.deps.Conversations.MarkEscalated(bgCtx, turn.ConversationID, match.Category); err != nil {
				logger.Error("failed to mark conversation escalated", observability.Error(err))
			}
		}

		event := NewEscalationEvent(match, message, turn.ConversationID, turn.Identity)
		if s.deps.Escalations != nil {
			s.deps.Escalations.Submit(bgCtx, event)
		}

		s.publish(bgCtx, stateEscalated, map[string]interface{}{
			"category":      match.Category,
			"escalation_id": event.ID,
		})
	}()
}

// relay forwards vendor events to the caller and settles the turn on the
// terminal event.
func (s *CompletionService) relay(
	ctx context.Context,
	turn *ChatTurn,
	req *CompletionRequest,
	vendor Vendor,
	estimatedInput int,
	events <-chan StreamEvent,
	out chan<- StreamEvent,
) {
	defer close(out)

	logger := observability.FromContext(ctx)
	started := time.Now()

	var output strings.Builder
	emitted := 0

	cancelled := func() {
		logger.Info("stream cancelled by client, usage not recorded",
			observability.Int("tokens_emitted", emitted))
		s.publish(ctx, stateCancelled, map[string]interface{}{"vendor": string(vendor)})
	}

	for {
		select {
		case <-ctx.Done():
			cancelled()
			return

		case ev, ok := <-events:
			if !ok {
				ev = ErrorEvent(&VendorError{Vendor: vendor, Message: "stream ended without a terminal event"})
			}
			// select picks among ready cases at random; a departed client is
			// never billed.
			if ev.Terminal() && ctx.Err() != nil {
				cancelled()
				return
			}

			switch ev.Kind {
			case EventToken:
				output.WriteString(ev.Token)
				emitted++
				if !SendEvent(ctx, out, ev) {
					continue
				}

			case EventDone:
				usage := ResolveUsage(ev.Usage, req, output.String())
				s.record(ctx, turn, req, vendor, usage)
				s.publish(ctx, stateCompleted, map[string]interface{}{
					"vendor":        string(vendor),
					"input_tokens":  usage.InputTokens,
					"output_tokens": usage.OutputTokens,
					"estimated":     usage.Estimated,
					"duration":      time.Since(started).Seconds(),
				})
				SendEvent(ctx, out, DoneEvent(usage))
				return

			case EventError:
				logger.Error("vendor stream failed", observability.Error(ev.Err))
				if s.cfg.PartialUsage == PartialUsageEstimate && output.Len() > 0 {
					usage := Usage{
						InputTokens:  estimatedInput,
						OutputTokens: EstimateTokens(output.String()),
						Estimated:    true,
					}
					s.record(ctx, turn, req, vendor, usage)
				}
				s.publish(ctx, stateFailed, map[string]interface{}{"vendor": string(vendor)})
				SendEvent(ctx, out, ErrorEvent(ErrGenerationFailed))
				return
			}
		}
	}
}

func (s *CompletionService) record(ctx context.Context, turn *ChatTurn, req *CompletionRequest, vendor Vendor, usage Usage) {
	recordCtx := context.WithoutCancel(ctx)
	err := s.deps.Quota.Record(recordCtx, turn.Identity, usage, UsageMeta{Vendor: vendor, Model: req.Model})
	if err != nil {
		observability.FromContext(ctx).Error("failed to record usage", observability.Error(err))
	}
}

func (s *CompletionService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(ctx, eventType, data)
	}
}

// IsQuotaExceeded reports whether err is a quota denial.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
