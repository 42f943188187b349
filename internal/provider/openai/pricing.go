package openai

import "github.com/davidbz/markl/internal/domain"

// Prices lists OpenAI chat prices. Dated snapshots share their family price.
func Prices() map[string]domain.ModelPrice {
	return map[string]domain.ModelPrice{
		"gpt-4o*":       {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini*":  {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4.1*":      {InputPer1K: 0.002, OutputPer1K: 0.008},
		"gpt-4.1-mini*": {InputPer1K: 0.0004, OutputPer1K: 0.0016},
		"gpt-4-turbo*":  {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"o3-mini":       {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	}
}

// RegisterPrices adds the OpenAI price list to setter.
func RegisterPrices(setter domain.PriceSetter) error {
	return domain.SetPrices(setter, Prices())
}
