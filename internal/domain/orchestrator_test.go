package domain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
)

const testModel = "gpt-test"

type orchestratorFixture struct {
	provider      *fakeProvider
	quota         *fakeQuota
	publisher     *recordingPublisher
	retriever     *fakeRetriever
	conversations *fakeConversations
	submitter     *fakeSubmitter
	deps          domain.CompletionDeps
}

func newOrchestratorFixture() *orchestratorFixture {
	provider := newFakeProvider(domain.VendorOpenAI, testModel)
	registry := newFakeRegistry(provider)
	f := &orchestratorFixture{
		provider:      provider,
		quota:         newFakeQuota(),
		publisher:     &recordingPublisher{},
		retriever:     &fakeRetriever{},
		conversations: &fakeConversations{marked: make(chan string, 1)},
		submitter:     &fakeSubmitter{events: make(chan *domain.EscalationEvent, 1)},
	}
	f.deps = domain.CompletionDeps{
		Registry:      registry,
		Router:        &fakeRouter{registry: registry, aliases: map[string]string{"fast": testModel}},
		Retriever:     f.retriever,
		Quota:         f.quota,
		Detector:      domain.NewEscalationDetector(domain.DefaultEscalationTriggers()),
		Escalations:   f.submitter,
		Conversations: f.conversations,
		Publisher:     f.publisher,
	}
	return f
}

func (f *orchestratorFixture) service(policy domain.PartialUsagePolicy) *domain.CompletionService {
	return domain.NewCompletionService(f.deps, domain.CompletionConfig{PartialUsage: policy})
}

func chatTurn(message string) *domain.ChatTurn {
	return &domain.ChatTurn{
		Identity:       domain.Identity{UserID: "u1", TeamID: "t1"},
		ConversationID: "conv-1",
		Request: &domain.CompletionRequest{
			Model:        testModel,
			SystemPrompt: "Be helpful.",
			Messages:     []domain.Message{{Role: domain.RoleUser, Content: message}},
		},
	}
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func TestCompletionService_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("should relay tokens and record reported usage", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.streamFunc = func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
			return scriptedStream(ctx,
				domain.TokenEvent("Hel"),
				domain.TokenEvent("lo"),
				domain.DoneEvent(domain.Usage{InputTokens: 12, OutputTokens: 2}),
			), nil
		}

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, chatTurn("Say hello"))
		require.NoError(t, err)

		result := domain.CollectStream(events)
		require.NoError(t, result.Err)
		require.Equal(t, "Hello", result.Content)
		require.Equal(t, 1, result.Terminal)
		require.Equal(t, &domain.Usage{InputTokens: 12, OutputTokens: 2}, result.Usage)
		require.Equal(t, []domain.Usage{{InputTokens: 12, OutputTokens: 2}}, f.quota.records)
		require.Equal(t, []string{
			"completion.context_built",
			"completion.quota_checked",
			"completion.streaming",
			"completion.completed",
		}, f.publisher.types())
	})

	t.Run("should deny before calling the vendor", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.quota.decision = domain.QuotaDecision{
			Scope: domain.ScopeRef{Scope: domain.ScopeIndividual, ID: "u1"},
			Limit: 10000,
			Used:  9999,
		}

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, chatTurn("Say hello"))

		require.Nil(t, events)
		require.True(t, domain.IsQuotaExceeded(err))
		var quotaErr *domain.QuotaExceededError
		require.True(t, errors.As(err, &quotaErr))
		require.Equal(t, 9999, quotaErr.Used)
		require.Zero(t, f.provider.calls())
		require.Zero(t, f.quota.recordCount())
	})

	t.Run("should charge admission with the estimated input", func(t *testing.T) {
		f := newOrchestratorFixture()

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, chatTurn("Say hello"))
		require.NoError(t, err)
		domain.CollectStream(events)

		require.Equal(t, []int{domain.EstimateMessages(f.provider.lastRequest())}, f.quota.checks)
	})

	t.Run("should surface a generic failure without recording usage", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.streamFunc = func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
			return scriptedStream(ctx,
				domain.TokenEvent("Hel"),
				domain.ErrorEvent(&domain.VendorError{Vendor: domain.VendorOpenAI, StatusCode: 500, Message: "internal secret"}),
			), nil
		}

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, chatTurn("Say hello"))
		require.NoError(t, err)

		result := domain.CollectStream(events)
		require.Equal(t, 1, result.Terminal)
		require.ErrorIs(t, result.Err, domain.ErrGenerationFailed)
		require.NotContains(t, result.Err.Error(), "internal secret")
		require.Zero(t, f.quota.recordCount())
		require.Contains(t, f.publisher.types(), "completion.failed")
	})

	t.Run("should record an estimate for partial output when configured", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.streamFunc = func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
			return scriptedStream(ctx,
				domain.TokenEvent("abcdefgh"),
				domain.ErrorEvent(errors.New("connection reset")),
			), nil
		}

		events, err := f.service(domain.PartialUsageEstimate).Stream(ctx, chatTurn("Say hello"))
		require.NoError(t, err)

		result := domain.CollectStream(events)
		require.ErrorIs(t, result.Err, domain.ErrGenerationFailed)

		recorded := receive(t, f.quota.recorded)
		require.True(t, recorded.Estimated)
		require.Equal(t, 2, recorded.OutputTokens)
		require.Equal(t, f.quota.checks[0], recorded.InputTokens)
	})

	t.Run("should not record an estimate when nothing was emitted", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.streamFunc = func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
			return scriptedStream(ctx, domain.ErrorEvent(errors.New("refused"))), nil
		}

		events, err := f.service(domain.PartialUsageEstimate).Stream(ctx, chatTurn("Say hello"))
		require.NoError(t, err)

		domain.CollectStream(events)
		require.Zero(t, f.quota.recordCount())
	})

	t.Run("should fail a stream that closes without a terminal event", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.streamFunc = func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
			return scriptedStream(ctx, domain.TokenEvent("Hel")), nil
		}

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, chatTurn("Say hello"))
		require.NoError(t, err)

		result := domain.CollectStream(events)
		require.Equal(t, 1, result.Terminal)
		require.ErrorIs(t, result.Err, domain.ErrGenerationFailed)
	})

	t.Run("should stop consuming and skip recording when the client disconnects", func(t *testing.T) {
		f := newOrchestratorFixture()
		released := make(chan struct{})
		f.provider.streamFunc = func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
			out := make(chan domain.StreamEvent)
			go func() {
				defer close(released)
				defer close(out)
				if !domain.SendEvent(ctx, out, domain.TokenEvent("Hel")) {
					return
				}
				<-ctx.Done()
			}()
			return out, nil
		}

		streamCtx, cancel := context.WithCancel(ctx)
		events, err := f.service(domain.PartialUsageEstimate).Stream(streamCtx, chatTurn("Say hello"))
		require.NoError(t, err)

		first := <-events
		require.Equal(t, domain.TokenEvent("Hel"), first)
		cancel()

		for range events {
		}
		receive(t, released)
		require.Zero(t, f.quota.recordCount())
	})

	t.Run("should not record usage when the client left before the terminal event", func(t *testing.T) {
		for _, terminal := range []domain.StreamEvent{
			domain.DoneEvent(domain.Usage{InputTokens: 12, OutputTokens: 2}),
			domain.ErrorEvent(errors.New("vendor failed")),
		} {
			for range 50 {
				f := newOrchestratorFixture()
				f.provider.streamFunc = func(context.Context, *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
					out := make(chan domain.StreamEvent, 2)
					out <- domain.TokenEvent("Hel")
					out <- terminal
					return out, nil
				}

				streamCtx, cancel := context.WithCancel(ctx)
				cancel()
				events, err := f.service(domain.PartialUsageEstimate).Stream(streamCtx, chatTurn("Say hello"))
				require.NoError(t, err)

				for ev := range events {
					require.NotEqual(t, domain.EventDone, ev.Kind)
				}
				require.Zero(t, f.quota.recordCount())
			}
		}
	})

	t.Run("should escalate matching user messages without blocking the stream", func(t *testing.T) {
		f := newOrchestratorFixture()

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, chatTurn("this feature is broken"))
		require.NoError(t, err)
		result := domain.CollectStream(events)
		require.NoError(t, result.Err)

		require.Equal(t, "conv-1:bug_report", receive(t, f.conversations.marked))
		event := receive(t, f.submitter.events)
		require.Equal(t, "bug_report", event.Category)
		require.Equal(t, []string{"broken"}, event.MatchedKeywords)
		require.Equal(t, "this feature is broken", event.OriginatingMessage)
		require.Equal(t, "u1", event.Identity.UserID)
	})

	t.Run("should escalate even when generation fails", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.streamFunc = func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
			return scriptedStream(ctx, domain.ErrorEvent(errors.New("boom"))), nil
		}

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, chatTurn("至急お願いします"))
		require.NoError(t, err)
		domain.CollectStream(events)

		require.Equal(t, "urgent", receive(t, f.submitter.events).Category)
	})

	t.Run("should merge session context and retrieved snippets into the system prompt", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.retriever.snippets = []domain.RetrievedSnippet{
			{Source: domain.SourceRef{Type: "faq", ID: "billing"}, Text: "Refunds take five days.", Similarity: 0.8},
		}
		turn := chatTurn("How long do refunds take?")
		turn.SessionContext = "The user is on the Pro plan."

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, turn)
		require.NoError(t, err)
		domain.CollectStream(events)

		sent := f.provider.lastRequest()
		require.Equal(t, "Be helpful.\n\nThe user is on the Pro plan.\n\n"+
			"Reference material:\n\n[1] (faq/billing)\nRefunds take five days.", sent.SystemPrompt)
		require.Equal(t, []string{"How long do refunds take?"}, f.retriever.queries)
		require.Equal(t, "Be helpful.", turn.Request.SystemPrompt)
	})

	t.Run("should resolve model aliases through the router", func(t *testing.T) {
		f := newOrchestratorFixture()
		turn := chatTurn("Say hello")
		turn.Request.Model = "fast"

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, turn)
		require.NoError(t, err)
		domain.CollectStream(events)

		sent := f.provider.lastRequest()
		require.Equal(t, testModel, sent.Model)
		require.Equal(t, domain.VendorOpenAI, sent.Vendor)
	})

	t.Run("should reject invalid turns", func(t *testing.T) {
		f := newOrchestratorFixture()
		service := f.service(domain.PartialUsageNone)

		_, err := service.Stream(ctx, nil)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)

		noUser := chatTurn("x")
		noUser.Request.Messages = []domain.Message{{Role: domain.RoleAssistant, Content: "hi"}}
		_, err = service.Stream(ctx, noUser)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)

		badVendor := chatTurn("x")
		badVendor.Request.Vendor = "mistral"
		_, err = service.Stream(ctx, badVendor)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)

		require.Zero(t, f.provider.calls())
	})

	t.Run("should report unknown models as provider not found", func(t *testing.T) {
		f := newOrchestratorFixture()
		service := f.service(domain.PartialUsageNone)

		unknown := chatTurn("x")
		unknown.Request.Model = "unknown-model"
		_, err := service.Stream(ctx, unknown)
		require.ErrorIs(t, err, domain.ErrProviderNotFound)

		wrongVendor := chatTurn("x")
		wrongVendor.Request.Vendor = domain.VendorAnthropic
		_, err = service.Stream(ctx, wrongVendor)
		require.ErrorIs(t, err, domain.ErrProviderNotFound)
	})

	t.Run("should dispatch by explicit vendor without a router", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.deps.Router = nil
		turn := chatTurn("Say hello")
		turn.Request.Vendor = domain.VendorOpenAI

		events, err := f.service(domain.PartialUsageNone).Stream(ctx, turn)
		require.NoError(t, err)
		require.NoError(t, domain.CollectStream(events).Err)

		missing := chatTurn("Say hello")
		_, err = f.service(domain.PartialUsageNone).Stream(ctx, missing)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestCompletionService_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the response and record usage", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.completeFunc = func(_ context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			return &domain.CompletionResponse{
				ID: "r1", Model: req.Model, Vendor: domain.VendorOpenAI, Content: "Hi",
				Usage: domain.Usage{InputTokens: 7, OutputTokens: 1},
			}, nil
		}

		resp, err := f.service(domain.PartialUsageNone).Complete(ctx, chatTurn("Say hello"))

		require.NoError(t, err)
		require.Equal(t, "Hi", resp.Content)
		require.Equal(t, []domain.Usage{{InputTokens: 7, OutputTokens: 1}}, f.quota.records)
	})

	t.Run("should estimate usage the vendor omitted", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.completeFunc = func(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			return &domain.CompletionResponse{Content: "abcdefgh"}, nil
		}

		resp, err := f.service(domain.PartialUsageNone).Complete(ctx, chatTurn("Say hello"))

		require.NoError(t, err)
		require.True(t, resp.Usage.Estimated)
		require.Equal(t, 2, resp.Usage.OutputTokens)
		require.True(t, f.quota.records[0].Estimated)
	})

	t.Run("should wrap vendor failures as generation failures", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.completeFunc = func(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			return nil, &domain.VendorError{Vendor: domain.VendorOpenAI, StatusCode: 503, Message: "overloaded"}
		}

		_, err := f.service(domain.PartialUsageNone).Complete(ctx, chatTurn("Say hello"))

		require.ErrorIs(t, err, domain.ErrGenerationFailed)
		var vendorErr *domain.VendorError
		require.True(t, errors.As(err, &vendorErr))
		require.Zero(t, f.quota.recordCount())
	})
}

func TestCompletionService_CompleteStructured(t *testing.T) {
	ctx := context.Background()

	t.Run("should decode fenced JSON content", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.completeFunc = func(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			return &domain.CompletionResponse{Content: "```json\n{\"answer\":\"42\"}\n```", Usage: domain.Usage{InputTokens: 1, OutputTokens: 1}}, nil
		}

		var target struct {
			Answer string `json:"answer"`
		}
		_, err := f.service(domain.PartialUsageNone).CompleteStructured(ctx, chatTurn("Answer in JSON"), &target)

		require.NoError(t, err)
		require.Equal(t, "42", target.Answer)
	})

	t.Run("should report malformed output as a generation failure", func(t *testing.T) {
		f := newOrchestratorFixture()
		f.provider.completeFunc = func(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			return &domain.CompletionResponse{Content: "Sure! Here is your answer: 42", Usage: domain.Usage{InputTokens: 1, OutputTokens: 1}}, nil
		}

		var target map[string]any
		_, err := f.service(domain.PartialUsageNone).CompleteStructured(ctx, chatTurn("Answer in JSON"), &target)

		require.ErrorIs(t, err, domain.ErrGenerationFailed)
		var malformed *domain.MalformedOutputError
		require.True(t, errors.As(err, &malformed))
		require.Equal(t, "Sure! Here is your answer: 42", malformed.Raw)
	})
}
