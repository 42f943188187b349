package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbz/markl/internal/domain"
)

// SimpleRouter resolves model aliases and picks the vendor serving a model.
type SimpleRouter struct {
	registry domain.ProviderRegistry
	aliases  map[string]string
}

// NewRouter creates a new router. aliases maps short names to model ids.
func NewRouter(registry domain.ProviderRegistry, aliases map[string]string) *SimpleRouter {
	copied := make(map[string]string, len(aliases))
	for alias, model := range aliases {
		copied[alias] = model
	}
	return &SimpleRouter{
		registry: registry,
		aliases:  copied,
	}
}

// Route selects a vendor for the request. An explicit vendor must serve the
// model; otherwise the registry picks one by model.
func (r *SimpleRouter) Route(ctx context.Context, req *domain.RouteRequest) (*domain.RouteResult, error) {
	if req == nil {
		return nil, errors.New("route request cannot be nil")
	}

	if req.Model == "" {
		return nil, errors.New("model name is required")
	}

	model := req.Model
	if target, ok := r.aliases[model]; ok {
		model = target
	}

	if req.Vendor != "" {
		provider, err := r.registry.Get(ctx, req.Vendor)
		if err != nil {
			return nil, fmt.Errorf("failed to get provider: %w", err)
		}
		if !provider.IsModelSupported(ctx, model) {
			return nil, fmt.Errorf("model %s is not served by %s", model, req.Vendor)
		}
		return &domain.RouteResult{Vendor: req.Vendor, Model: model}, nil
	}

	provider, err := r.registry.GetByModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("no provider found for model %s: %w", model, err)
	}

	return &domain.RouteResult{Vendor: provider.Vendor(), Model: model}, nil
}
