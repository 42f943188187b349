package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const tokensPerK = 1000.0

// ModelPrice is the USD price of 1K tokens in each direction.
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost prices a usage entry.
func (p ModelPrice) Cost(usage Usage) float64 {
	return float64(usage.InputTokens)/tokensPerK*p.InputPer1K +
		float64(usage.OutputTokens)/tokensPerK*p.OutputPer1K
}

// CostCalculator prices usage for the ledger.
type CostCalculator interface {
	// Calculate returns the cost of usage on model. Unpriced models cost zero.
	Calculate(ctx context.Context, model string, usage Usage) (float64, error)
}

// PriceSetter accepts model prices from vendor adapters.
type PriceSetter interface {
	SetPrice(model string, price ModelPrice) error
}

// PriceTable maps model ids to prices. A model ending in "*" prices a whole
// family, so dated snapshots such as claude-sonnet-4-5-20250929 resolve to
// the longest matching prefix when no exact entry exists.
type PriceTable struct {
	mu       sync.RWMutex
	exact    map[string]ModelPrice
	families map[string]ModelPrice
	prefixes []string
}

// NewPriceTable creates an empty table.
func NewPriceTable() *PriceTable {
	return &PriceTable{
		exact:    make(map[string]ModelPrice),
		families: make(map[string]ModelPrice),
	}
}

// SetPrice adds or replaces the price of a model or model family.
func (t *PriceTable) SetPrice(model string, price ModelPrice) error {
	if model == "" || model == "*" {
		return errors.New("model cannot be empty")
	}
	if price.InputPer1K < 0 || price.OutputPer1K < 0 {
		return fmt.Errorf("price for %s cannot be negative", model)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prefix, family := strings.CutSuffix(model, "*")
	if !family {
		t.exact[model] = price
		return nil
	}

	if _, exists := t.families[prefix]; !exists {
		t.prefixes = append(t.prefixes, prefix)
		sort.Slice(t.prefixes, func(i, j int) bool { return len(t.prefixes[i]) > len(t.prefixes[j]) })
	}
	t.families[prefix] = price
	return nil
}

// Lookup returns the exact price of model, else the longest family match.
func (t *PriceTable) Lookup(model string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if price, ok := t.exact[model]; ok {
		return price, true
	}
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(model, prefix) {
			return t.families[prefix], true
		}
	}
	return ModelPrice{}, false
}

// Calculate implements CostCalculator.
func (t *PriceTable) Calculate(_ context.Context, model string, usage Usage) (float64, error) {
	if model == "" {
		return 0, errors.New("model cannot be empty")
	}

	price, ok := t.Lookup(model)
	if !ok {
		return 0, nil
	}
	return price.Cost(usage), nil
}

// SetPrices registers a vendor's price list.
func SetPrices(setter PriceSetter, prices map[string]ModelPrice) error {
	for model, price := range prices {
		if err := setter.SetPrice(model, price); err != nil {
			return fmt.Errorf("failed to set price for model %s: %w", model, err)
		}
	}
	return nil
}
