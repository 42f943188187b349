// Package openai provides an adapter for the OpenAI API using the official SDK.
// It implements the domain.Provider interface and handles conversion between
// domain types and SDK types.
package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

// Provider implements the domain.Provider interface for OpenAI.
type Provider struct {
	client openai.Client
	models map[string]bool
}

// NewProvider creates a new OpenAI provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(max(config.MaxRetries, 0)),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	models := config.Models
	if len(models) == 0 {
		models = SupportedModels()
	}

	return &Provider{
		client: openai.NewClient(opts...),
		models: modelSet(models),
	}, nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API")

	resp, err := p.client.Chat.Completions.New(ctx, p.toSDKParams(req))
	if err != nil {
		logger.Error("OpenAI API call failed", observability.Error(err))
		return nil, toVendorError(err)
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int64("prompt_tokens", resp.Usage.PromptTokens),
		observability.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)

	return p.toDomainResponse(req, resp), nil
}

// Stream sends a completion request and returns a stream of events.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI streaming API")

	params := p.toSDKParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan domain.StreamEvent)

	go func() {
		defer close(events)
		defer stream.Close()
		defer logger.Debug("OpenAI stream completed")

		var (
			content  strings.Builder
			reported *domain.Usage
		)

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				reported = &domain.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}

			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			delta := chunk.Choices[0].Delta.Content
			content.WriteString(delta)
			if !domain.SendEvent(ctx, events, domain.TokenEvent(delta)) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			logger.Error("OpenAI stream failed", observability.Error(err))
			domain.SendEvent(ctx, events, domain.ErrorEvent(toVendorError(err)))
			return
		}

		usage := domain.ResolveUsage(reported, req, content.String())
		domain.SendEvent(ctx, events, domain.DoneEvent(usage))
	}()

	return events, nil
}

// Vendor returns the provider identifier.
func (p *Provider) Vendor() domain.Vendor {
	return domain.VendorOpenAI
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.models[model]
}

// SupportedModels returns the served models in a stable order.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.models))
	for model := range p.models {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// toSDKParams converts domain request to SDK ChatCompletionNewParams. System
// content is merged into one leading system message.
func (p *Provider) toSDKParams(req *domain.CompletionRequest) openai.ChatCompletionNewParams {
	conversation := req.ConversationMessages()
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(conversation)+1)

	if system := req.SystemInstruction(); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	for _, msg := range conversation {
		switch msg.Role {
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return params
}

// toDomainResponse converts SDK response to domain response.
func (p *Provider) toDomainResponse(req *domain.CompletionRequest, resp *openai.ChatCompletion) *domain.CompletionResponse {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	reported := &domain.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}

	return &domain.CompletionResponse{
		ID:         resp.ID,
		Model:      resp.Model,
		Vendor:     domain.VendorOpenAI,
		Content:    content,
		Usage:      domain.ResolveUsage(reported, req, content),
		FinishTime: time.Now(),
	}
}

func toVendorError(err error) *domain.VendorError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &domain.VendorError{
			Vendor:     domain.VendorOpenAI,
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("API call failed: %s", apiErr.Message),
			Err:        err,
		}
	}
	return &domain.VendorError{
		Vendor:  domain.VendorOpenAI,
		Message: fmt.Sprintf("API call failed: %v", err),
		Err:     err,
	}
}
