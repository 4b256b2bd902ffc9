package helpers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const etherDecimals = 18

var ErrInvalidAmount = errors.New("invalid amount")

// ParseEther converts a decimal ether string into wei.
func ParseEther(amount string) (*big.Int, error) {
	return ParseUnits(amount, etherDecimals)
}

// ParseUnits converts a non-negative decimal string into an integer scaled by
// 10^decimals. Fraction digits beyond decimals are an error unless they are zeros.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: too many decimals in %q", ErrInvalidAmount, amount)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return v, nil
}

// FormatEther renders wei as a decimal ether string, keeping at least one
// fraction digit like ethers does.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	neg := wei.Sign() < 0
	s := new(big.Int).Abs(wei).String()
	if len(s) <= etherDecimals {
		s = strings.Repeat("0", etherDecimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-etherDecimals], strings.TrimRight(s[len(s)-etherDecimals:], "0")
	if frac == "" {
		frac = "0"
	}
	if neg {
		whole = "-" + whole
	}
	return whole + "." + frac
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
