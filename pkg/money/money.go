package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Amounts are int64 minor units (cents). Decimal only appears at the edges.
const minorExp = -2

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Multiplier is a payout multiplier in hundredths: 250 means 2.50x.
type Multiplier int64

const One Multiplier = 100

func MultiplierFromFloat(f float64) Multiplier {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if math.IsInf(f, 1) || f > float64(math.MaxInt64/1000) {
		return Multiplier(math.MaxInt64 / 1000)
	}
	return Multiplier(math.Floor(f*100 + 1e-9))
}

func MultiplierFromDecimal(d decimal.Decimal) Multiplier {
	return Multiplier(d.Shift(2).Floor().IntPart())
}

func (m Multiplier) Float() float64 {
	return float64(m) / 100
}

func (m Multiplier) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Multiplier) String() string {
	return fmt.Sprintf("%sx", m.Decimal().StringFixed(2))
}

// Apply returns amount × m rounded down to the minor unit.
func (m Multiplier) Apply(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(m.Decimal()).Floor().IntPart()
}

// Percent returns pct percent of amount rounded down to the minor unit.
func Percent(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(decimal.NewFromInt(100)).Floor().IntPart()
}

// Ratio returns amount × ratio rounded to the nearest minor unit.
func Ratio(amount int64, ratio float64) int64 {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(ratio)).Round(0).IntPart()
}

// FromMajor converts a presentation value such as 12.34 into minor units.
// Sub-cent precision and values outside int64 are rejected rather than
// rounded or wrapped.
func FromMajor(d decimal.Decimal) (int64, bool) {
	minor := d.Shift(-minorExp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, false
	}
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, false
	}
	return minor.IntPart(), true
}

func ToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, minorExp)
}

func Format(minor int64) string {
	return ToMajor(minor).StringFixed(2)
}
