package anthropic

import "github.com/davidbz/markl/internal/domain"

// RegisterPrices adds the Anthropic price list to setter. Family entries
// cover the dated model ids the API also accepts.
func RegisterPrices(setter domain.PriceSetter) error {
	return domain.SetPrices(setter, map[string]domain.ModelPrice{
		"claude-opus-4-1*":        {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-sonnet-4-5*":      {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-haiku-4-5*":       {InputPer1K: 0.001, OutputPer1K: 0.005},
		"claude-3-5-haiku-latest": {InputPer1K: 0.0008, OutputPer1K: 0.004},
	})
}
