package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/provider/openai"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *openai.Provider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := openai.NewProvider(openai.Config{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Timeout:    5,
		MaxRetries: 0,
	})
	require.NoError(t, err)
	return provider
}

func chatRequest() *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Vendor:       domain.VendorOpenAI,
		Model:        "gpt-4o",
		SystemPrompt: "Be brief.",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "Answer in English."},
			{Role: domain.RoleUser, Content: "Hello"},
		},
	}
}

func writeChunk(w http.ResponseWriter, payload string) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func TestNewProvider(t *testing.T) {
	t.Run("should create provider with API key", func(t *testing.T) {
		provider, err := openai.NewProvider(openai.Config{APIKey: "test-api-key"})

		require.NoError(t, err)
		require.NotNil(t, provider)
		require.Equal(t, domain.VendorOpenAI, provider.Vendor())
	})

	t.Run("should return error when API key is missing", func(t *testing.T) {
		provider, err := openai.NewProvider(openai.Config{})

		require.Error(t, err)
		require.Nil(t, provider)
		require.Contains(t, err.Error(), "OpenAI API key is required")
	})
}

func TestProvider_IsModelSupported(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		model     string
		supported bool
	}{
		{name: "GPT-4o is supported", model: "gpt-4o", supported: true},
		{name: "GPT-4o mini is supported", model: "gpt-4o-mini", supported: true},
		{name: "GPT-3.5 Turbo is supported", model: "gpt-3.5-turbo", supported: true},
		{name: "Unknown model is not supported", model: "unknown-model", supported: false},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.supported, provider.IsModelSupported(ctx, tt.model))
		})
	}

	t.Run("should serve only configured models when overridden", func(t *testing.T) {
		custom, err := openai.NewProvider(openai.Config{APIKey: "k", Models: []string{"o3-mini"}})
		require.NoError(t, err)

		require.Equal(t, []string{"o3-mini"}, custom.SupportedModels(ctx))
		require.False(t, custom.IsModelSupported(ctx, "gpt-4o"))
	})
}

func TestProvider_Complete(t *testing.T) {
	t.Run("should send merged system message and return reported usage", func(t *testing.T) {
		var captured struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}

		provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			body, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			assert.NoError(t, json.Unmarshal(body, &captured))

			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o",`+
				`"choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],`+
				`"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`)
		})

		resp, err := provider.Complete(context.Background(), chatRequest())
		require.NoError(t, err)

		require.Equal(t, "gpt-4o", captured.Model)
		require.Len(t, captured.Messages, 2)
		require.Equal(t, "system", captured.Messages[0].Role)
		require.Equal(t, "Be brief.\n\nAnswer in English.", captured.Messages[0].Content)
		require.Equal(t, "user", captured.Messages[1].Role)

		require.Equal(t, "chatcmpl-1", resp.ID)
		require.Equal(t, domain.VendorOpenAI, resp.Vendor)
		require.Equal(t, "Hi there", resp.Content)
		require.Equal(t, domain.Usage{InputTokens: 12, OutputTokens: 2}, resp.Usage)
	})

	t.Run("should wrap API errors with the status code", func(t *testing.T) {
		provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
		})

		_, err := provider.Complete(context.Background(), chatRequest())
		require.Error(t, err)

		var vendorErr *domain.VendorError
		require.True(t, errors.As(err, &vendorErr))
		require.Equal(t, http.StatusBadRequest, vendorErr.StatusCode)
	})

	t.Run("should return error when request is nil", func(t *testing.T) {
		provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"})
		require.NoError(t, err)

		resp, err := provider.Complete(context.Background(), nil)
		require.Error(t, err)
		require.Nil(t, resp)
		require.Contains(t, err.Error(), "request cannot be nil")
	})
}

func TestProvider_Stream(t *testing.T) {
	t.Run("should stream tokens then done with reported usage", func(t *testing.T) {
		provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			assert.Contains(t, string(body), `"include_usage":true`)

			w.Header().Set("Content-Type", "text/event-stream")
			head := `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o",`
			writeChunk(w, head+`"choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`)
			writeChunk(w, head+`"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`)
			writeChunk(w, head+`"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
			writeChunk(w, head+`"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`)
			writeChunk(w, "[DONE]")
		})

		events, err := provider.Stream(context.Background(), chatRequest())
		require.NoError(t, err)

		result := domain.CollectStream(events)
		require.NoError(t, result.Err)
		require.Equal(t, 1, result.Terminal)
		require.Equal(t, "Hello", result.Content)
		require.Equal(t, &domain.Usage{InputTokens: 12, OutputTokens: 2}, result.Usage)
	})

	t.Run("should estimate usage when the vendor reports none", func(t *testing.T) {
		provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			writeChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o",`+
				`"choices":[{"index":0,"delta":{"content":"abcdefgh"},"finish_reason":"stop"}]}`)
			writeChunk(w, "[DONE]")
		})

		events, err := provider.Stream(context.Background(), chatRequest())
		require.NoError(t, err)

		result := domain.CollectStream(events)
		require.NotNil(t, result.Usage)
		require.True(t, result.Usage.Estimated)
		require.Equal(t, 2, result.Usage.OutputTokens)
	})

	t.Run("should yield a single error event when the vendor fails", func(t *testing.T) {
		provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
		})

		events, err := provider.Stream(context.Background(), chatRequest())
		require.NoError(t, err)

		result := domain.CollectStream(events)
		require.Equal(t, 1, result.Terminal)
		require.Nil(t, result.Usage)

		var vendorErr *domain.VendorError
		require.True(t, errors.As(result.Err, &vendorErr))
		require.Equal(t, domain.VendorOpenAI, vendorErr.Vendor)
	})

	t.Run("should return error when request is nil", func(t *testing.T) {
		provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"})
		require.NoError(t, err)

		events, err := provider.Stream(context.Background(), nil)
		require.Error(t, err)
		require.Nil(t, events)
	})
}
