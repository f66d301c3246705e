package orchestrator

import (
	"math/big"
	"strings"

	"capsule/internal/errors"
)

// ParseUnits 把十进制金额字符串换算为最小单位，小数位超出decimals时报错
func ParseUnits(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" || decimals < 0 {
		return nil, errors.ErrInvalidAmount.Withf("金额格式无效: %q", value)
	}

	whole, frac, hasDot := strings.Cut(value, ".")
	if hasDot && frac == "" && whole == "" {
		return nil, errors.ErrInvalidAmount.Withf("金额格式无效: %q", value)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, errors.ErrInvalidAmount.Withf("金额格式无效: %q", value)
	}
	if len(frac) > decimals {
		return nil, errors.ErrInvalidAmount.Withf("小数位超过 %d 位: %q", decimals, value)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, errors.ErrInvalidAmount.Withf("金额格式无效: %q", value)
	}
	return out, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatUnits 把最小单位换算为十进制字符串，去掉小数末尾的0
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		point := len(digits) - decimals
		whole, frac := digits[:point], strings.TrimRight(digits[point:], "0")
		digits = whole
		if frac != "" {
			digits += "." + frac
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}
