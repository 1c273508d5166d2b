// Package settlement resolves a finished race against its wager exactly
// once and schedules the resulting persistence.
//
// The exactly-once guarantee is the race.State Finished → Settled
// transition: Settle refuses any state that is not Finished, so a second
// call for the same race changes nothing.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/events"
	"github.com/horsepicks/race-engine/internal/metrics"
	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/odds"
	"github.com/horsepicks/race-engine/internal/outbox"
	"github.com/horsepicks/race-engine/internal/publish"
	"github.com/horsepicks/race-engine/internal/race"
	"github.com/horsepicks/race-engine/internal/stats"
	"github.com/horsepicks/race-engine/internal/store"
	"github.com/horsepicks/race-engine/internal/wager"
)

var (
	ErrNotFinished    = errors.New("settlement: race has not finished")
	ErrAlreadySettled = errors.New("settlement: race already settled")
	ErrFieldMismatch  = errors.New("settlement: state does not match field")
)

// Compute derives the outcome of w given the winning entrant.
//
//	won    = selected name == winner name
//	payout = won ? stake * odds * multiplier : 0
//	profit = won ? payout - stake : -stake
func Compute(w wager.Wager, winner model.Entrant) model.SettlementRecord {
	won := w.EntrantName == winner.Name
	payout := decimal.Zero
	if won {
		payout = w.Stake.Mul(w.Odds).Mul(w.Multiplier).Round(odds.PayoutScale)
	}
	return model.SettlementRecord{
		Won:    won,
		Payout: payout,
		Profit: odds.Profit(won, w.Stake, payout),
	}
}

// Scheduler queues persistence ops. *outbox.Outbox satisfies it.
type Scheduler interface {
	Enqueue(op outbox.Op)
}

// Race is everything settlement needs about one finished race.
type Race struct {
	ID       string
	PlayerID string
	Field    []model.Entrant
	Wager    wager.Wager
	State    race.State

	// Detached skips the account write; the caller keeps the balance in
	// memory only.
	Detached bool
}

// Outcome is the result of a successful settlement.
type Outcome struct {
	State    race.State // Settled
	Winner   model.Entrant
	Record   model.SettlementRecord
	Account  model.AccountDelta // apply to the in-memory account
	Entrants []stats.EntrantUpdate
	Match    model.MatchRecord
}

// Engine settles races and hands their side effects to the outbox.
type Engine struct {
	store store.Store
	sched Scheduler
	pub   publish.Publisher
	log   *slog.Logger
	now   func() time.Time
}

// NewEngine creates a settlement engine. pub may be nil.
func NewEngine(st store.Store, sched Scheduler, pub publish.Publisher, log *slog.Logger) *Engine {
	if pub == nil {
		pub = publish.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: st,
		sched: sched,
		pub:   pub,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Settle takes the latch for r and, on success, schedules every
// persistence update as an independent outbox op. It never blocks on
// storage and never reports persistence failures.
func (e *Engine) Settle(r Race) (Outcome, error) {
	next, ok := r.State.Settle()
	if !ok {
		if r.State.Phase == race.PhaseSettled {
			return Outcome{}, ErrAlreadySettled
		}
		return Outcome{}, ErrNotFinished
	}
	if r.State.Winner < 0 || r.State.Winner >= len(r.Field) {
		return Outcome{}, fmt.Errorf("%w: winner index %d, field of %d", ErrFieldMismatch, r.State.Winner, len(r.Field))
	}

	winner := r.Field[r.State.Winner]
	rec := Compute(r.Wager, winner)
	out := Outcome{
		State:    next,
		Winner:   winner,
		Record:   rec,
		Account:  stats.AccountDelta(rec),
		Entrants: stats.EntrantDeltas(r.Field, r.State.Winner, rec),
		Match: model.MatchRecord{
			ID:          uuid.New().String(),
			PlayerID:    r.PlayerID,
			RaceID:      r.ID,
			EntrantID:   r.Wager.EntrantID,
			EntrantName: r.Wager.EntrantName,
			Odds:        r.Wager.Odds,
			Stake:       r.Wager.Stake,
			Multiplier:  r.Wager.Multiplier,
			FieldSize:   len(r.Field),
			WinnerName:  winner.Name,
			Won:         rec.Won,
			Payout:      rec.Payout,
			Profit:      rec.Profit,
			Timestamp:   e.now(),
		},
	}

	e.schedule(r, out)

	result := "lost"
	if rec.Won {
		result = "won"
		metrics.PayoutVolume.Add(rec.Payout.InexactFloat64())
	}
	metrics.Settlements.WithLabelValues(result).Inc()

	e.log.Info("race settled",
		"race_id", r.ID,
		"player_id", r.PlayerID,
		"winner", winner.Name,
		"selected", r.Wager.EntrantName,
		"won", rec.Won,
		"payout", rec.Payout.String(),
		"profit", rec.Profit.String(),
		"ticks", r.State.Ticks,
	)
	return out, nil
}

func (e *Engine) schedule(r Race, out Outcome) {
	playerID := r.PlayerID
	acct := out.Account
	acctOp := store.OpKey("race", r.ID, "account")
	if !r.Detached {
		e.sched.Enqueue(outbox.Op{Name: "account", RaceID: r.ID, Do: func(ctx context.Context) error {
			err := e.store.ApplyAccountDelta(ctx, acctOp, playerID, acct)
			if errors.Is(err, store.ErrNotFound) {
				return outbox.Permanent(err)
			}
			return err
		}})
	}

	for _, u := range out.Entrants {
		u := u
		op := store.OpKey("race", r.ID, "entrant", u.Name)
		e.sched.Enqueue(outbox.Op{Name: "entrant_stats", RaceID: r.ID, Do: func(ctx context.Context) error {
			return e.store.ApplyEntrantStatsDelta(ctx, op, u.Name, u.Delta)
		}})
	}

	match := out.Match
	e.sched.Enqueue(outbox.Op{Name: "match_record", RaceID: r.ID, Do: func(ctx context.Context) error {
		return e.store.AppendMatchRecord(ctx, &match)
	}})

	names := make([]string, len(r.Field))
	for i, en := range r.Field {
		names[i] = en.Name
	}
	evt := events.RaceSettled{
		RaceID:      r.ID,
		PlayerID:    playerID,
		FieldSize:   len(r.Field),
		Entrants:    names,
		WinnerName:  out.Winner.Name,
		EntrantName: r.Wager.EntrantName,
		Odds:        r.Wager.Odds,
		Stake:       r.Wager.Stake,
		Multiplier:  r.Wager.Multiplier,
		Won:         out.Record.Won,
		Payout:      out.Record.Payout,
		Profit:      out.Record.Profit,
		Ticks:       r.State.Ticks,
		SettledAt:   out.Match.Timestamp,
	}
	e.sched.Enqueue(outbox.Op{Name: "event", RaceID: r.ID, Do: func(ctx context.Context) error {
		return e.pub.PublishRaceSettled(ctx, evt)
	}})
}
