// Package anthropic provides an adapter for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/provider/sse"
)

const (
	contentTypeJSON = "application/json"
	apiVersion      = "2023-06-01"
	maxErrorBody    = 64 * 1024
)

// Provider implements the domain.Provider interface for Anthropic.
type Provider struct {
	apiKey           string
	messagesURL      string
	defaultMaxTokens int
	client           *http.Client
	models           map[string]bool
}

// NewProvider creates a new Anthropic provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	maxTokens := config.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	models := config.Models
	if len(models) == 0 {
		models = SupportedModels()
	}
	set := make(map[string]bool, len(models))
	for _, model := range models {
		set[model] = true
	}

	client := &http.Client{}
	if config.Timeout > 0 {
		client.Timeout = time.Duration(config.Timeout) * time.Second
	}

	return &Provider{
		apiKey:           config.APIKey,
		messagesURL:      baseURL + "/v1/messages",
		defaultMaxTokens: maxTokens,
		client:           client,
		models:           set,
	}, nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Anthropic API")

	httpResp, err := p.send(ctx, p.buildPayload(req, false))
	if err != nil {
		logger.Error("Anthropic API call failed", observability.Error(err))
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &domain.VendorError{
			Vendor:  domain.VendorAnthropic,
			Message: "decode response",
			Err:     err,
		}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	reported := &domain.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	return &domain.CompletionResponse{
		ID:         resp.ID,
		Model:      req.Model,
		Vendor:     domain.VendorAnthropic,
		Content:    text.String(),
		Usage:      domain.ResolveUsage(reported, req, text.String()),
		FinishTime: time.Now(),
	}, nil
}

// Stream sends a completion request and returns a stream of events.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	payload := p.buildPayload(req, true)
	events := make(chan domain.StreamEvent)

	go func() {
		defer close(events)

		logger := observability.FromContext(ctx)
		logger.Debug("calling Anthropic streaming API")

		httpResp, err := p.send(ctx, payload)
		if err != nil {
			logger.Error("Anthropic stream request failed", observability.Error(err))
			domain.SendEvent(ctx, events, domain.ErrorEvent(err))
			return
		}
		defer httpResp.Body.Close()

		ev := p.consume(ctx, req, sse.NewReader(httpResp.Body), events)
		if ev.Kind == "" {
			return
		}
		if ev.Kind == domain.EventError {
			logger.Error("Anthropic stream failed", observability.Error(ev.Err))
		}
		domain.SendEvent(ctx, events, ev)
	}()

	return events, nil
}

// consume forwards text deltas and returns the terminal event. A zero event
// means the consumer went away.
func (p *Provider) consume(
	ctx context.Context,
	req *domain.CompletionRequest,
	reader *sse.Reader,
	events chan<- domain.StreamEvent,
) domain.StreamEvent {
	var (
		content  strings.Builder
		reported domain.Usage
	)

	for {
		raw, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return domain.ErrorEvent(&domain.VendorError{
				Vendor:  domain.VendorAnthropic,
				Message: "stream ended before message_stop",
			})
		}
		if err != nil {
			return domain.ErrorEvent(&domain.VendorError{
				Vendor:  domain.VendorAnthropic,
				Message: "read stream",
				Err:     err,
			})
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(raw.Data), &ev); err != nil {
			return domain.ErrorEvent(&domain.VendorError{
				Vendor:  domain.VendorAnthropic,
				Message: "decode stream event",
				Err:     err,
			})
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				reported.InputTokens = ev.Message.Usage.InputTokens
				reported.OutputTokens = ev.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if ev.Delta == nil || ev.Delta.Text == "" {
				continue
			}
			content.WriteString(ev.Delta.Text)
			if !domain.SendEvent(ctx, events, domain.TokenEvent(ev.Delta.Text)) {
				return domain.StreamEvent{}
			}
		case "message_delta":
			if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
				reported.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			return domain.DoneEvent(domain.ResolveUsage(&reported, req, content.String()))
		case "error":
			message := "stream error"
			if ev.Error != nil {
				message = fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)
			}
			return domain.ErrorEvent(&domain.VendorError{
				Vendor:  domain.VendorAnthropic,
				Message: message,
			})
		}
	}
}

// Vendor returns the provider identifier.
func (p *Provider) Vendor() domain.Vendor {
	return domain.VendorAnthropic
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

func (p *Provider) send(ctx context.Context, payload messagePayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messagesURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", contentTypeJSON)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &domain.VendorError{
			Vendor:  domain.VendorAnthropic,
			Message: "request failed",
			Err:     err,
		}
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return httpResp, nil
}

func (p *Provider) buildPayload(req *domain.CompletionRequest, stream bool) messagePayload {
	turns := req.AlternatingTurns()
	messages := make([]message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, message{
			Role:    string(turn.Role),
			Content: []contentBlock{{Type: "text", Text: turn.Content}},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.defaultMaxTokens
	}

	payload := messagePayload{
		Model:     req.Model,
		Messages:  messages,
		System:    req.SystemInstruction(),
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if req.Temperature > 0 {
		temperature := req.Temperature
		payload.Temperature = &temperature
	}
	return payload
}

type messagePayload struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Usage   usageBlock     `json:"usage"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string     `json:"id"`
		Usage usageBlock `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *usageBlock `json:"usage,omitempty"`
	Error *apiError   `json:"error,omitempty"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &domain.VendorError{
			Vendor:     domain.VendorAnthropic,
			StatusCode: resp.StatusCode,
			Message:    "failed to read error body",
			Err:        err,
		}
	}

	message := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = fmt.Sprintf("%s: %s", apiErr.Error.Type, apiErr.Error.Message)
	}

	return &domain.VendorError{
		Vendor:     domain.VendorAnthropic,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}
