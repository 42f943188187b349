package gemini

import "github.com/davidbz/markl/internal/domain"

// RegisterPrices adds the Gemini price list to setter.
func RegisterPrices(setter domain.PriceSetter) error {
	return domain.SetPrices(setter, map[string]domain.ModelPrice{
		"gemini-2.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.01},
		"gemini-2.5-flash": {InputPer1K: 0.0003, OutputPer1K: 0.0025},
		"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	})
}
