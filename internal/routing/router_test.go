package routing_test

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/provider/registry"
	"github.com/davidbz/markl/internal/routing"
)

type fakeProvider struct {
	vendor domain.Vendor
	models []string
	prefix string
}

func (f *fakeProvider) Complete(_ context.Context, _ *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return &domain.CompletionResponse{}, nil
}

func (f *fakeProvider) Stream(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	ch := make(chan domain.StreamEvent)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Vendor() domain.Vendor {
	return f.vendor
}

func (f *fakeProvider) IsModelSupported(_ context.Context, model string) bool {
	return slices.Contains(f.models, model) || (f.prefix != "" && strings.HasPrefix(model, f.prefix))
}

func (f *fakeProvider) SupportedModels(_ context.Context) []string {
	return f.models
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, &fakeProvider{
		vendor: domain.VendorOpenAI,
		models: []string{"gpt-4o", "gpt-4o-mini"},
	}))
	require.NoError(t, reg.Register(ctx, &fakeProvider{
		vendor: domain.VendorAnthropic,
		models: []string{"claude-sonnet-4-5"},
		prefix: "claude-",
	}))
	return reg
}

func TestSimpleRouter_Route(t *testing.T) {
	t.Run("should route to provider that supports the model", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), nil)

		result, err := router.Route(context.Background(), &domain.RouteRequest{Model: "gpt-4o"})
		require.NoError(t, err)
		require.Equal(t, domain.VendorOpenAI, result.Vendor)
		require.Equal(t, "gpt-4o", result.Model)
	})

	t.Run("should resolve aliases before lookup", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), map[string]string{"smart": "claude-sonnet-4-5"})

		result, err := router.Route(context.Background(), &domain.RouteRequest{Model: "smart"})
		require.NoError(t, err)
		require.Equal(t, domain.VendorAnthropic, result.Vendor)
		require.Equal(t, "claude-sonnet-4-5", result.Model)
	})

	t.Run("should honour an explicit vendor serving the model", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), nil)

		result, err := router.Route(context.Background(), &domain.RouteRequest{
			Model:  "claude-haiku-4-5",
			Vendor: domain.VendorAnthropic,
		})
		require.NoError(t, err)
		require.Equal(t, domain.VendorAnthropic, result.Vendor)
	})

	t.Run("should reject an explicit vendor that does not serve the model", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), nil)

		_, err := router.Route(context.Background(), &domain.RouteRequest{
			Model:  "gpt-4o",
			Vendor: domain.VendorAnthropic,
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "not served by")
	})

	t.Run("should reject an explicit vendor that is not registered", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), nil)

		_, err := router.Route(context.Background(), &domain.RouteRequest{
			Model:  "gemini-2.5-flash",
			Vendor: domain.VendorGemini,
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to get provider")
	})

	t.Run("should return error when request is nil", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), nil)

		_, err := router.Route(context.Background(), nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "route request cannot be nil")
	})

	t.Run("should return error when model is empty", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), nil)

		_, err := router.Route(context.Background(), &domain.RouteRequest{Model: ""})
		require.Error(t, err)
		require.Contains(t, err.Error(), "model name is required")
	})

	t.Run("should return error when no provider supports model", func(t *testing.T) {
		router := routing.NewRouter(newRegistry(t), nil)

		_, err := router.Route(context.Background(), &domain.RouteRequest{Model: "unknown-model"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "no provider found for model")
	})
}
