// Package money implements the kernel's single monetary primitive:
// multiplying a fixed-precision quantity by an integer minor-unit price.
// Every line total in the system flows through Multiply so that
// sum(line totals) always equals the order total bitwise.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// QtyScale is the fixed number of fractional digits a quantity may carry.
const QtyScale = 3

// Multiply returns qty * unitPriceQ rounded half-even to the nearest minor
// unit. qty must be non-negative and have at most QtyScale fractional
// digits; callers validate that shape before reaching here (see
// internal/engine), so Multiply itself only guards against negative qty.
func Multiply(qty decimal.Decimal, unitPriceQ int64) (int64, error) {
	if qty.Sign() < 0 {
		return 0, fmt.Errorf("money: negative quantity %s", qty.String())
	}
	product := qty.Mul(decimal.NewFromInt(unitPriceQ))
	rounded := product.RoundBank(0)
	return rounded.IntPart(), nil
}

// ParseQty parses a decimal quantity string, rejecting more than QtyScale
// fractional digits so stored quantities never carry precision the money
// primitive can't round deterministically.
func ParseQty(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("money: invalid quantity %q: %w", s, err)
	}
	if d.Exponent() < -QtyScale {
		return decimal.Decimal{}, fmt.Errorf("money: quantity %q exceeds %d fractional digits", s, QtyScale)
	}
	return d, nil
}

// SumQ sums a slice of minor-unit amounts.
func SumQ(amounts ...int64) int64 {
	var total int64
	for _, a := range amounts {
		total += a
	}
	return total
}
