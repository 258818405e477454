package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// FormatAmount(100000000, 8) returns "1".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(new(big.Int).SetUint64(amount), divisor, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", int(decimals), frac), "0")
	return whole.String() + "." + fracStr
}

// ParseAmount parses a decimal string into smallest units.
// ParseAmount("1.5", 8) returns 150000000. Extra fractional digits are rejected.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("invalid character in amount: %c", c)
			}
		}
	}
	if len(fracStr) > int(decimals) {
		return 0, fmt.Errorf("too many decimal places in %q (max %d)", s, decimals)
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}
	return amount.Uint64(), nil
}
