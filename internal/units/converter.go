package units

import (
	"math"
)

// Converter maps currency amounts to consumable meter units at a fixed price.
type Converter struct {
	pricePerUnit float64
}

// NewConverter creates a converter. pricePerUnit is the currency amount that
// buys exactly one unit and must be positive.
func NewConverter(pricePerUnit float64) *Converter {
	if pricePerUnit <= 0 {
		pricePerUnit = 1
	}
	return &Converter{pricePerUnit: pricePerUnit}
}

// PricePerUnit returns the configured price of one unit.
func (c *Converter) PricePerUnit() float64 {
	return c.pricePerUnit
}

// AmountToUnits converts a currency amount to units, rounded to two decimal
// places. Negative amounts convert to zero units.
func (c *Converter) AmountToUnits(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	return Round2(amount / c.pricePerUnit)
}

// Remainder returns the part of the amount that does not buy a whole unit.
// Display only; it must never be added into a running balance.
func (c *Converter) Remainder(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	return Round2(math.Mod(amount, c.pricePerUnit))
}

// Round2 rounds to two decimal places. All unit arithmetic in the service
// goes through this to keep float drift from accumulating across many small
// transactions.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
