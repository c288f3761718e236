package premium

import (
	"fmt"
	"math/big"
	"strings"
)

// NormalizeQuery produces the dedup key for a query: lower-cased with whitespace collapsed
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// ParseUnits converts a decimal amount ("0.001", "$1.50", "2") into the smallest unit.
// Fractional digits beyond decimals are rejected rather than rounded.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	cleaned := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(amount), "$"))
	if cleaned == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("invalid decimals: %d", decimals)
	}

	whole, frac, hasDot := strings.Cut(cleaned, ".")
	if whole == "" {
		whole = "0"
	}
	if hasDot && frac == "" {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	if !isDigits(whole) || (hasDot && !isDigits(frac)) {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	units, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	return units, nil
}

// FormatUnits renders an amount in the smallest unit as a decimal string without trailing zeros
func FormatUnits(units *big.Int, decimals int) string {
	if units == nil {
		return "0"
	}
	if decimals <= 0 {
		return units.String()
	}

	negative := units.Sign() < 0
	digits := new(big.Int).Abs(units).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}

	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if negative {
		out = "-" + out
	}
	return out
}

// ValidatePaymentRequirement performs basic validation on a payment requirement
func ValidatePaymentRequirement(r PaymentRequirement) error {
	if r.Recipient == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if _, err := r.AmountUnits(); err != nil {
		return err
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
