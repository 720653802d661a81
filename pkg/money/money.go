package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts move through the system as integer minor units (cents). This
// package only converts at the display boundary, so no arithmetic is ever
// performed on floating point or decimal representations of balances.

// Display renders minor units as a decimal string with two fraction digits,
// e.g. 1050 -> "10.50".
func Display(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// ParseDisplay converts a decimal display amount back to minor units. It
// rejects amounts with sub-cent precision rather than rounding them.
func ParseDisplay(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("money: amount %q has sub-cent precision", s)
	}
	return minor.IntPart(), nil
}
