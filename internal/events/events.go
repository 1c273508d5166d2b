// Package events defines the messages the engine publishes to the event bus.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// TopicRaceSettled is the default topic for RaceSettled.
const TopicRaceSettled = "race_settled"

// RaceSettled is published once per race after settlement.
type RaceSettled struct {
	RaceID      string          `json:"race_id"`
	PlayerID    string          `json:"player_id"`
	FieldSize   int             `json:"field_size"`
	Entrants    []string        `json:"entrants"` // field order
	WinnerName  string          `json:"winner_name"`
	EntrantName string          `json:"entrant_name"` // the wagered entrant
	Odds        decimal.Decimal `json:"odds"`
	Stake       decimal.Decimal `json:"stake"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	Won         bool            `json:"won"`
	Payout      decimal.Decimal `json:"payout"`
	Profit      decimal.Decimal `json:"profit"`
	Ticks       int             `json:"ticks"`
	SettledAt   time.Time       `json:"settled_at"`
}
