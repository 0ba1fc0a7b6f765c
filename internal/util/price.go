// Package util provides common utility functions for price and numeric coercion.
package util

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// ParseOptionalFloat coerces an arbitrary value into an optional float64.
// NaN, +Inf, -Inf and unparseable inputs all yield nil rather than an error.
// Every numeric read out of the state store goes through this helper so that
// a corrupted row degrades to "absent" instead of poisoning a calculation.
func ParseOptionalFloat(v interface{}) *float64 {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return finiteOrNil(x)
	case float32:
		return finiteOrNil(float64(x))
	case int:
		f := float64(x)
		return &f
	case int64:
		f := float64(x)
		return &f
	case decimal.Decimal:
		return finiteOrNil(x.InexactFloat64())
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return finiteOrNil(x.InexactFloat64())
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return finiteOrNil(f)
	case []byte:
		return ParseOptionalFloat(string(x))
	default:
		return nil
	}
}

func finiteOrNil(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// FloatOr returns *p, or fallback when p is nil.
func FloatOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}

// FloatPtr returns a pointer to f. Convenience for optional fields.
func FloatPtr(f float64) *float64 { return &f }

// IsFinitePositive reports whether p points at a finite value > 0.
func IsFinitePositive(p *float64) bool {
	return p != nil && !math.IsNaN(*p) && !math.IsInf(*p, 0) && *p > 0
}
