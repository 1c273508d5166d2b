// Package odds implements the fixed-odds pricing used by the race engine:
// odds drawing, the odds-to-speed mapping, the field-size payout multiplier
// table, and payout/profit arithmetic.
//
// All monetary values and odds use shopspring/decimal; never float64 for money.
// Odds are quoted with two decimal places; payouts are rounded to cents.
package odds

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRange is returned when the odds range is empty, not positive,
	// or would map to a non-positive speed.
	ErrInvalidRange = errors.New("odds: range must satisfy 0 < min < max <= speed base")

	// ErrInvalidMultiplier is returned when a multiplier table entry is not
	// positive or is keyed by a field size below one.
	ErrInvalidMultiplier = errors.New("odds: multiplier entries must be positive")

	// SpeedBase is the constant the odds are subtracted from to derive speed.
	// Speed and odds are inversely related: a favourite runs faster.
	SpeedBase = decimal.RequireFromString("4.5")

	// DefaultMultiplier applies to any field size missing from the table.
	DefaultMultiplier = decimal.NewFromInt(1)

	// OddsScale is the number of decimal places odds are quoted with.
	OddsScale int32 = 2

	// PayoutScale is the number of decimal places payouts are rounded to.
	PayoutScale int32 = 2
)

// IntN is the subset of a random source needed to draw odds.
// *math/rand/v2.Rand satisfies it.
type IntN interface {
	IntN(n int) int
}

// Book prices one table: an odds range and a multiplier table keyed by
// field size. It is stateless once built and safe for concurrent use.
type Book struct {
	min         decimal.Decimal
	max         decimal.Decimal
	multipliers map[int]decimal.Decimal
}

// NewBook creates a Book for odds drawn from [min, max) with the given
// field-size multipliers. The table is copied.
func NewBook(min, max decimal.Decimal, multipliers map[int]decimal.Decimal) (*Book, error) {
	if !min.IsPositive() || !max.GreaterThan(min) || max.GreaterThan(SpeedBase) {
		return nil, ErrInvalidRange
	}
	// The range must contain at least one quotable price.
	if max.Sub(min).LessThan(decimal.New(1, -OddsScale)) {
		return nil, ErrInvalidRange
	}

	table := make(map[int]decimal.Decimal, len(multipliers))
	for size, m := range multipliers {
		if size < 1 || !m.IsPositive() {
			return nil, ErrInvalidMultiplier
		}
		table[size] = m
	}

	return &Book{min: min, max: max, multipliers: table}, nil
}

// Min returns the inclusive lower bound of drawn odds.
func (b *Book) Min() decimal.Decimal { return b.min }

// Max returns the exclusive upper bound of drawn odds.
func (b *Book) Max() decimal.Decimal { return b.max }

// Draw returns odds uniformly distributed over the quotable prices in
// [min, max), i.e. over whole hundredths. Drawing hundredths directly keeps
// the upper bound exclusive, which rounding a continuous draw would not.
func (b *Book) Draw(rng IntN) decimal.Decimal {
	lo := b.min.Shift(OddsScale).Ceil().IntPart()
	hi := b.max.Shift(OddsScale).Ceil().IntPart() // exclusive
	n := int(hi - lo)
	return decimal.New(lo+int64(rng.IntN(n)), -OddsScale)
}

// Speed maps odds to the per-tick speed factor: SpeedBase - odds.
func Speed(o decimal.Decimal) decimal.Decimal {
	return SpeedBase.Sub(o)
}

// Multiplier returns the payout multiplier for a field size, falling back
// to DefaultMultiplier for sizes the table does not list.
func (b *Book) Multiplier(fieldSize int) decimal.Decimal {
	if m, ok := b.multipliers[fieldSize]; ok {
		return m
	}
	return DefaultMultiplier
}

// Payout computes the gross return of a winning wager:
//
//	payout = stake * odds * multiplier(fieldSize)
//
// rounded to PayoutScale.
func (b *Book) Payout(stake, o decimal.Decimal, fieldSize int) decimal.Decimal {
	return stake.Mul(o).Mul(b.Multiplier(fieldSize)).Round(PayoutScale)
}

// Profit returns the net result of a wager: payout - stake when won,
// -stake otherwise.
func Profit(won bool, stake, payout decimal.Decimal) decimal.Decimal {
	if !won {
		return stake.Neg()
	}
	return payout.Sub(stake)
}

// ExpectedReturn is the expected net return of a unit stake on an entrant
// whose win probability is p: p * odds * multiplier - 1.
func (b *Book) ExpectedReturn(p float64, o decimal.Decimal, fieldSize int) float64 {
	gross := o.Mul(b.Multiplier(fieldSize)).InexactFloat64()
	return p*gross - 1
}
