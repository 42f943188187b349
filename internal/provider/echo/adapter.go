// Package echo provides a testing provider that echoes back the user's message.
// It implements the domain.Provider interface without making external API calls,
// providing deterministic responses for testing and development purposes.
package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

const (
	modelName  = "echo4"
	chunkDelay = 10 * time.Millisecond
)

// Provider implements the domain.Provider interface for echo testing.
type Provider struct {
	supportedModels map[string]bool
	delay           time.Duration
}

// NewProvider creates a new echo provider.
// No configuration is required as this provider operates entirely in-memory.
func NewProvider() *Provider {
	return &Provider{
		supportedModels: map[string]bool{
			modelName: true,
		},
		delay: chunkDelay,
	}
}

// Complete returns the last user message as the response. Usage is always
// estimated.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request")

	content := req.LastUserMessage()
	usage := domain.ResolveUsage(nil, req, content)

	logger.Debug("echo completed",
		observability.Int("input_tokens", usage.InputTokens),
		observability.Int("output_tokens", usage.OutputTokens),
	)

	return &domain.CompletionResponse{
		ID:         fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		Model:      req.Model,
		Vendor:     domain.VendorEcho,
		Content:    content,
		Usage:      usage,
		FinishTime: time.Now(),
	}, nil
}

// Stream emits the last user message word by word.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("streaming echo request")

	content := req.LastUserMessage()
	events := make(chan domain.StreamEvent)

	go func() {
		defer close(events)

		words := strings.Fields(content)
		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}

			if !domain.SendEvent(ctx, events, domain.TokenEvent(delta)) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.delay):
			}
		}

		emitted := strings.Join(words, " ")
		domain.SendEvent(ctx, events, domain.DoneEvent(domain.ResolveUsage(nil, req, emitted)))
	}()

	return events, nil
}

// Vendor returns the provider identifier.
func (p *Provider) Vendor() domain.Vendor {
	return domain.VendorEcho
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.supportedModels[model]
}

// SupportedModels returns a list of all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.supportedModels))
	for model := range p.supportedModels {
		models = append(models, model)
	}
	return models
}

func (p *Provider) validate(req *domain.CompletionRequest) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if !p.supportedModels[req.Model] {
		return fmt.Errorf("model %s is not supported by echo provider", req.Model)
	}
	return nil
}
