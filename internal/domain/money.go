package domain

import (
	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of fraction digits in the supported currencies.
const MinorUnitExponent = 2

// MaxAmountMinor is the largest amount, per unit or in total, the payment gateway accepts
// (Stripe caps unit_amount and charge amounts at eight digits).
const MaxAmountMinor int64 = 99_999_999

var maxAmount = decimal.New(MaxAmountMinor, -MinorUnitExponent)

// ToMinorUnits converts a major-unit amount to minor units, rounding half up.
// Amounts are never negative here so half-up and half-away-from-zero coincide. Callers keep
// amounts within MaxAmountMinor; see WithinAmountLimit.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(MinorUnitExponent).Round(0).IntPart()
}

// FromMinor converts minor units back to a major-unit decimal.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent)
}

// UnitAmountMinor is the per-unit price submitted to the payment gateway.
func UnitAmountMinor(price decimal.Decimal) int64 {
	return ToMinorUnits(price)
}

// LineTotalMinor returns round-half-up(price x quantity) in minor units.
func LineTotalMinor(price decimal.Decimal, quantity int) int64 {
	return ToMinorUnits(price.Mul(decimal.NewFromInt(int64(quantity))))
}

// TotalMinor sums the rounded line totals. Checkout and receipts must both go through here.
func TotalMinor(items []LineItem) int64 {
	var total int64
	for _, item := range items {
		total += LineTotalMinor(item.Price, item.Quantity)
	}
	return total
}

// OrderTotal returns TotalMinor in major units.
func OrderTotal(items []LineItem) decimal.Decimal {
	return FromMinor(TotalMinor(items))
}

// FormatAmount renders an amount with exactly two fraction digits.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(MinorUnitExponent)
}

// WithinAmountLimit reports whether amount, rounded to minor units, does not exceed
// MaxAmountMinor. The comparison stays in decimal so oversized values cannot wrap around.
func WithinAmountLimit(amount decimal.Decimal) bool {
	return amount.Round(MinorUnitExponent).LessThanOrEqual(maxAmount)
}

// HasMinorPrecision reports whether amount has no more fraction digits than the currency allows.
func HasMinorPrecision(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(MinorUnitExponent))
}
