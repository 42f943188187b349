package echo

import "github.com/davidbz/markl/internal/domain"

// RegisterPrices prices the echo model at zero so test traffic still lands
// in the ledger.
func RegisterPrices(setter domain.PriceSetter) error {
	return setter.SetPrice(modelName, domain.ModelPrice{})
}
