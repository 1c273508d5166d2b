// Package wager handles stake parsing and the validation a wager must pass
// before a race may start.
package wager

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/odds"
)

var (
	ErrNoSelection         = errors.New("wager: no entrant selected")
	ErrUnknownEntrant      = errors.New("wager: entrant is not in the field")
	ErrNonPositiveStake    = errors.New("wager: stake must be positive")
	ErrInsufficientBalance = errors.New("wager: stake exceeds balance")
	ErrInvalidAmount       = errors.New("wager: invalid amount format")
)

// amountRegex matches a plain decimal amount with at most two fractional
// digits. Example: 500, 12.5, 0.01
var amountRegex = regexp.MustCompile(`^-?[0-9]+(\.[0-9]{1,2})?$`)

// Wager is a validated bet on one entrant, fixed at race start.
type Wager struct {
	EntrantID   int             `json:"entrant_id"`
	EntrantName string          `json:"entrant_name"`
	Odds        decimal.Decimal `json:"odds"`
	Stake       decimal.Decimal `json:"stake"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	FieldSize   int             `json:"field_size"`
}

// ParseAmount parses a money amount from its string form.
// Sign is not checked here; Place and the wallet operations do that.
func ParseAmount(s string) (decimal.Decimal, error) {
	if !amountRegex.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q (expected e.g. 500 or 12.50)", ErrInvalidAmount, s)
	}
	amt, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return amt, nil
}

// Place validates a wager against the current field and balance.
// entrantID 0 means nothing is selected. On error nothing has changed.
func Place(field []model.Entrant, entrantID int, stake, balance decimal.Decimal, book *odds.Book) (Wager, error) {
	if entrantID == 0 {
		return Wager{}, ErrNoSelection
	}
	selected, ok := Find(field, entrantID)
	if !ok {
		return Wager{}, fmt.Errorf("%w: id %d", ErrUnknownEntrant, entrantID)
	}
	if !stake.IsPositive() {
		return Wager{}, ErrNonPositiveStake
	}
	if stake.GreaterThan(balance) {
		return Wager{}, fmt.Errorf("%w: stake %s, balance %s", ErrInsufficientBalance, stake, balance)
	}

	return Wager{
		EntrantID:   selected.ID,
		EntrantName: selected.Name,
		Odds:        selected.Odds,
		Stake:       stake,
		Multiplier:  book.Multiplier(len(field)),
		FieldSize:   len(field),
	}, nil
}

// Find returns the entrant with the given id.
func Find(field []model.Entrant, id int) (model.Entrant, bool) {
	for _, e := range field {
		if e.ID == id {
			return e, true
		}
	}
	return model.Entrant{}, false
}

// Reason maps a validation error to a short label for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNoSelection):
		return "no_selection"
	case errors.Is(err, ErrUnknownEntrant):
		return "unknown_entrant"
	case errors.Is(err, ErrNonPositiveStake):
		return "non_positive_stake"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "other"
	}
}
