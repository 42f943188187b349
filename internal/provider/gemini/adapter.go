// Package gemini provides an adapter for the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/provider/sse"
)

const maxErrorBody = 64 * 1024

// Provider implements the domain.Provider interface for Gemini.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	models  map[string]bool
}

// NewProvider creates a new Gemini provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("Gemini API key is required")
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
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
		apiKey:  config.APIKey,
		baseURL: baseURL,
		client:  client,
		models:  set,
	}, nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Gemini API")

	httpResp, err := p.send(ctx, p.endpoint(req.Model, "generateContent", false), buildPayload(req))
	if err != nil {
		logger.Error("Gemini API call failed", observability.Error(err))
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &domain.VendorError{Vendor: domain.VendorGemini, Message: "decode response", Err: err}
	}
	if resp.Error != nil {
		return nil, resp.Error.vendorError()
	}

	content := resp.text()
	return &domain.CompletionResponse{
		ID:         resp.ResponseID,
		Model:      req.Model,
		Vendor:     domain.VendorGemini,
		Content:    content,
		Usage:      domain.ResolveUsage(resp.usage(), req, content),
		FinishTime: time.Now(),
	}, nil
}

// Stream sends a completion request and returns a stream of events.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	payload := buildPayload(req)
	endpoint := p.endpoint(req.Model, "streamGenerateContent", true)
	events := make(chan domain.StreamEvent)

	go func() {
		defer close(events)

		logger := observability.FromContext(ctx)
		logger.Debug("calling Gemini streaming API")

		httpResp, err := p.send(ctx, endpoint, payload)
		if err != nil {
			logger.Error("Gemini stream request failed", observability.Error(err))
			domain.SendEvent(ctx, events, domain.ErrorEvent(err))
			return
		}
		defer httpResp.Body.Close()

		var (
			content  strings.Builder
			reported *domain.Usage
			reader   = sse.NewReader(httpResp.Body)
		)

		for {
			raw, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				domain.SendEvent(ctx, events, domain.ErrorEvent(&domain.VendorError{
					Vendor: domain.VendorGemini, Message: "read stream", Err: err,
				}))
				return
			}

			var chunk generateResponse
			if err := json.Unmarshal([]byte(raw.Data), &chunk); err != nil {
				domain.SendEvent(ctx, events, domain.ErrorEvent(&domain.VendorError{
					Vendor: domain.VendorGemini, Message: "decode stream chunk", Err: err,
				}))
				return
			}
			if chunk.Error != nil {
				logger.Error("Gemini stream failed", observability.String("message", chunk.Error.Message))
				domain.SendEvent(ctx, events, domain.ErrorEvent(chunk.Error.vendorError()))
				return
			}

			if usage := chunk.usage(); usage != nil {
				reported = usage
			}

			if text := chunk.text(); text != "" {
				content.WriteString(text)
				if !domain.SendEvent(ctx, events, domain.TokenEvent(text)) {
					return
				}
			}
		}

		domain.SendEvent(ctx, events, domain.DoneEvent(domain.ResolveUsage(reported, req, content.String())))
	}()

	return events, nil
}

// Vendor returns the provider identifier.
func (p *Provider) Vendor() domain.Vendor {
	return domain.VendorGemini
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

func (p *Provider) endpoint(model, method string, stream bool) string {
	endpoint := fmt.Sprintf("%s/models/%s:%s", p.baseURL, url.PathEscape(model), method)
	if stream {
		endpoint += "?alt=sse"
	}
	return endpoint
}

func (p *Provider) send(ctx context.Context, endpoint string, payload generateRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &domain.VendorError{Vendor: domain.VendorGemini, Message: "request failed", Err: err}
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		defer httpResp.Body.Close()
		raw, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		message := strings.TrimSpace(string(raw))
		var envelope generateResponse
		if readErr == nil && json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			message = envelope.Error.Message
		}
		return nil, &domain.VendorError{
			Vendor:     domain.VendorGemini,
			StatusCode: httpResp.StatusCode,
			Message:    message,
			Err:        readErr,
		}
	}

	return httpResp, nil
}

// buildPayload maps the conversation onto user/model turns with the system
// instruction in its own field.
func buildPayload(req *domain.CompletionRequest) generateRequest {
	turns := req.AlternatingTurns()
	contents := make([]content, 0, len(turns))
	for _, turn := range turns {
		role := "user"
		if turn.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: turn.Content}}})
	}

	payload := generateRequest{Contents: contents}
	if system := req.SystemInstruction(); system != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		payload.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens}
		if req.Temperature > 0 {
			temperature := req.Temperature
			payload.GenerationConfig.Temperature = &temperature
		}
	}
	return payload
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	ResponseID string `json:"responseId"`
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (r generateResponse) usage() *domain.Usage {
	if r.UsageMetadata == nil {
		return nil
	}
	if r.UsageMetadata.PromptTokenCount == 0 && r.UsageMetadata.CandidatesTokenCount == 0 {
		return nil
	}
	return &domain.Usage{
		InputTokens:  r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *apiError) vendorError() *domain.VendorError {
	return &domain.VendorError{
		Vendor:     domain.VendorGemini,
		StatusCode: e.Code,
		Message:    fmt.Sprintf("%s: %s", e.Status, e.Message),
	}
}
