package tokens

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount converts a human decimal string such as "10.5" into base units.
// The conversion is exact: more fractional digits than decimals is an error,
// never a rounding.
func ParseAmount(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, amount)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}

	base := d.Shift(int32(decimals))
	if !base.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, amount, decimals)
	}
	return base.BigInt(), nil
}

// FormatAmount renders base units as a decimal string without trailing zeros.
func FormatAmount(base *big.Int, decimals uint8) string {
	if base == nil {
		return "0"
	}
	return decimal.NewFromBigInt(base, -int32(decimals)).String()
}
