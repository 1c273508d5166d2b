// Package model defines the core domain types shared across the race engine.
// All monetary values and odds use shopspring/decimal; never float64 for money.
// Track positions are simulation state, not money, and stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entrant is one competitor in a race. Immutable for the duration of a race.
type Entrant struct {
	ID    int             `json:"id"`   // dense 1..N in field order
	Name  string          `json:"name"` // unique within a field
	Odds  decimal.Decimal `json:"odds"` // [1.5, 3.5), 2 decimal places
	Speed decimal.Decimal `json:"speed"`
	Icon  string          `json:"icon"`
}

// Account is a player's wallet and lifetime counters.
type Account struct {
	PlayerID    string          `json:"player_id" db:"player_id"`
	Username    string          `json:"username" db:"username"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	TotalGames  int64           `json:"total_games" db:"total_games"`
	TotalWins   int64           `json:"total_wins" db:"total_wins"`
	TotalLosses int64           `json:"total_losses" db:"total_losses"`
	TotalProfit decimal.Decimal `json:"total_profit" db:"total_profit"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AccountDelta is a set of increments applied to an Account.
// Zero fields are no-ops.
type AccountDelta struct {
	Balance decimal.Decimal `json:"balance"`
	Games   int64           `json:"games"`
	Wins    int64           `json:"wins"`
	Losses  int64           `json:"losses"`
	Profit  decimal.Decimal `json:"profit"`
}

// IsZero reports whether applying the delta would change nothing.
func (d AccountDelta) IsZero() bool {
	return d.Balance.IsZero() && d.Games == 0 && d.Wins == 0 && d.Losses == 0 && d.Profit.IsZero()
}

// Apply returns a copy of a with the delta added.
func (a Account) Apply(d AccountDelta) Account {
	a.Balance = a.Balance.Add(d.Balance)
	a.TotalGames += d.Games
	a.TotalWins += d.Wins
	a.TotalLosses += d.Losses
	a.TotalProfit = a.TotalProfit.Add(d.Profit)
	return a
}

// EntrantStats holds cumulative counters for one entrant name across races.
// Invariant: TotalWins + TotalLosses == TotalGames.
type EntrantStats struct {
	Name        string          `json:"name" db:"name"`
	TotalGames  int64           `json:"total_games" db:"total_games"`
	TotalWins   int64           `json:"total_wins" db:"total_wins"`
	TotalLosses int64           `json:"total_losses" db:"total_losses"`
	TotalPayout decimal.Decimal `json:"total_payout" db:"total_payout"`
}

// EntrantStatsDelta is a set of increments applied to EntrantStats.
type EntrantStatsDelta struct {
	Games  int64           `json:"games"`
	Wins   int64           `json:"wins"`
	Losses int64           `json:"losses"`
	Payout decimal.Decimal `json:"payout"`
}

// Apply returns a copy of s with the delta added.
func (s EntrantStats) Apply(d EntrantStatsDelta) EntrantStats {
	s.TotalGames += d.Games
	s.TotalWins += d.Wins
	s.TotalLosses += d.Losses
	s.TotalPayout = s.TotalPayout.Add(d.Payout)
	return s
}

// SettlementRecord is the derived outcome of one wager. Computed once per race.
type SettlementRecord struct {
	Won    bool            `json:"won"`
	Payout decimal.Decimal `json:"payout"`
	Profit decimal.Decimal `json:"profit"`
}

// MatchRecord is an immutable settlement log entry.
// Once created, these are never modified or deleted.
type MatchRecord struct {
	ID          string          `json:"id" db:"id"`
	PlayerID    string          `json:"player_id" db:"player_id"`
	RaceID      string          `json:"race_id" db:"race_id"`
	EntrantID   int             `json:"entrant_id" db:"entrant_id"`
	EntrantName string          `json:"entrant_name" db:"entrant_name"`
	Odds        decimal.Decimal `json:"odds" db:"odds"`
	Stake       decimal.Decimal `json:"stake" db:"stake"`
	Multiplier  decimal.Decimal `json:"multiplier" db:"multiplier"`
	FieldSize   int             `json:"field_size" db:"field_size"`
	WinnerName  string          `json:"winner_name" db:"winner_name"`
	Won         bool            `json:"won" db:"won"`
	Payout      decimal.Decimal `json:"payout" db:"payout"`
	Profit      decimal.Decimal `json:"profit" db:"profit"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}
