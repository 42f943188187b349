package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/davidbz/markl/internal/domain"
)

// Registry implements the ProviderRegistry interface.
type Registry struct {
	mu            sync.RWMutex
	providers     map[domain.Vendor]domain.Provider
	modelToVendor map[string]domain.Vendor
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:            sync.RWMutex{},
		providers:     make(map[domain.Vendor]domain.Provider),
		modelToVendor: make(map[string]domain.Vendor),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(ctx context.Context, provider domain.Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	vendor := provider.Vendor()
	if !vendor.Valid() {
		return fmt.Errorf("unknown vendor %q", vendor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[vendor]; exists {
		return fmt.Errorf("provider %s already registered", vendor)
	}

	r.providers[vendor] = provider

	// Build reverse index from provider's supported models; first
	// registration of a model wins.
	for _, model := range provider.SupportedModels(ctx) {
		if _, taken := r.modelToVendor[model]; !taken {
			r.modelToVendor[model] = vendor
		}
	}

	return nil
}

// Get retrieves a provider by vendor.
func (r *Registry) Get(_ context.Context, vendor domain.Vendor) (domain.Provider, error) {
	if vendor == "" {
		return nil, errors.New("vendor cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[vendor]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", vendor)
	}

	return provider, nil
}

// List returns all registered vendors in a stable order.
func (r *Registry) List(_ context.Context) ([]domain.Vendor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vendors := make([]domain.Vendor, 0, len(r.providers))
	for vendor := range r.providers {
		vendors = append(vendors, vendor)
	}
	sort.Slice(vendors, func(i, j int) bool { return vendors[i] < vendors[j] })

	return vendors, nil
}

// GetByModel retrieves a provider that supports the given model.
func (r *Registry) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	if model == "" {
		return nil, errors.New("model cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if vendor, exists := r.modelToVendor[model]; exists {
		if provider, ok := r.providers[vendor]; ok {
			return provider, nil
		}
	}

	// Fall back to asking each provider, in vendor order, for models
	// outside the static lists.
	vendors := make([]domain.Vendor, 0, len(r.providers))
	for vendor := range r.providers {
		vendors = append(vendors, vendor)
	}
	sort.Slice(vendors, func(i, j int) bool { return vendors[i] < vendors[j] })

	for _, vendor := range vendors {
		if provider := r.providers[vendor]; provider.IsModelSupported(ctx, model) {
			return provider, nil
		}
	}

	return nil, fmt.Errorf("no provider found for model: %s", model)
}
