package betting

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitsPerMajor is the number of currency subunits in one major unit.
var minorUnitsPerMajor = decimal.NewFromInt(100)

var (
	errNotANumber = errors.New("stake is not a number")
	errNotFinite  = errors.New("stake is not finite")
)

// ParseStake turns a user-entered stake into a decimal amount of major units.
// Strings are trimmed; numeric types are taken as-is. NaN, infinities, empty
// strings and anything non-numeric are rejected.
func ParseStake(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		return parseStakeString(v)
	case json.Number:
		return parseStakeString(v.String())
	case float64:
		return fromFloat(v)
	case float32:
		return fromFloat(float64(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int32:
		return decimal.NewFromInt(int64(v)), nil
	case nil:
		return decimal.Zero, errNotANumber
	}
	return decimal.Zero, fmt.Errorf("%w: unsupported type %T", errNotANumber, raw)
}

func parseStakeString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errNotANumber
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", errNotANumber, err)
	}
	return d, nil
}

func fromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, errNotFinite
	}
	return decimal.NewFromFloat(f), nil
}

// ToMinorUnits rounds a major-unit amount to whole minor units.
func ToMinorUnits(major decimal.Decimal) int64 {
	return major.Mul(minorUnitsPerMajor).Round(0).IntPart()
}

// FromMinorUnits converts minor units back to a major-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorUnitsPerMajor)
}

// FormatMoney renders an amount with the currency label and two decimals.
func FormatMoney(currency string, major decimal.Decimal) string {
	return currency + " " + major.StringFixed(2)
}
