// Package stats aggregates per-entrant and per-player counters: the read
// path with zero defaults and the increments a settled race produces.
package stats

import (
	"context"
	"log/slog"

	"github.com/horsepicks/race-engine/internal/model"
)

// Reader is the read side of the store the aggregator needs.
type Reader interface {
	GetEntrantStats(ctx context.Context, names []string) (map[string]model.EntrantStats, error)
}

// Load returns stats for every name. Names without a record start from
// zero; a failed read is logged and also yields zeros, so the caller
// always gets a full map.
func Load(ctx context.Context, r Reader, names []string, log *slog.Logger) map[string]model.EntrantStats {
	stored, err := r.GetEntrantStats(ctx, names)
	if err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("entrant stats unavailable, using zeros", "names", len(names), "err", err)
		stored = nil
	}

	out := make(map[string]model.EntrantStats, len(names))
	for _, name := range names {
		if st, ok := stored[name]; ok {
			st.Name = name
			out[name] = st
			continue
		}
		out[name] = model.EntrantStats{Name: name}
	}
	return out
}

// EntrantUpdate is the increment for one entrant name.
type EntrantUpdate struct {
	Name  string
	Delta model.EntrantStatsDelta
}

// EntrantDeltas returns one update per entrant in field order: every entrant
// plays a game, the winner (by field index) gains a win and the payout,
// everyone else a loss. payout is the wager's payout, zero when the player
// backed a loser, so the winner's TotalPayout only grows when the bet won.
func EntrantDeltas(field []model.Entrant, winner int, rec model.SettlementRecord) []EntrantUpdate {
	out := make([]EntrantUpdate, 0, len(field))
	for i, e := range field {
		d := model.EntrantStatsDelta{Games: 1}
		if i == winner {
			d.Wins = 1
			if rec.Won {
				d.Payout = rec.Payout
			}
		} else {
			d.Losses = 1
		}
		out = append(out, EntrantUpdate{Name: e.Name, Delta: d})
	}
	return out
}

// AccountDelta is the settlement increment for the player: one game, a win
// or a loss, the profit, and the payout credited when won. The stake was
// already debited when the race started.
func AccountDelta(rec model.SettlementRecord) model.AccountDelta {
	d := model.AccountDelta{Games: 1, Profit: rec.Profit}
	if rec.Won {
		d.Wins = 1
		d.Balance = rec.Payout
	} else {
		d.Losses = 1
	}
	return d
}

// WinRate is wins over games, zero before the first game.
func WinRate(s model.EntrantStats) float64 {
	if s.TotalGames == 0 {
		return 0
	}
	return float64(s.TotalWins) / float64(s.TotalGames)
}
