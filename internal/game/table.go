// Package game runs one player's race table: the field on offer, the
// wager, the live race driven by its clock, and the in-memory account the
// player sees. Persistence is scheduled, never awaited.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/config"
	"github.com/horsepicks/race-engine/internal/metrics"
	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/odds"
	"github.com/horsepicks/race-engine/internal/outbox"
	"github.com/horsepicks/race-engine/internal/race"
	"github.com/horsepicks/race-engine/internal/settlement"
	"github.com/horsepicks/race-engine/internal/stats"
	"github.com/horsepicks/race-engine/internal/store"
	"github.com/horsepicks/race-engine/internal/wager"
)

var (
	ErrRaceInProgress      = errors.New("game: a race is already running")
	ErrRaceOver            = errors.New("game: race is over, play again to re-arm")
	ErrNonPositiveAmount   = errors.New("game: amount must be positive")
	ErrInsufficientBalance = errors.New("game: amount exceeds balance")
)

// Event types pushed to the Notifier.
const (
	EventTick     = "race_tick"
	EventFinished = "race_finished"
	EventSettled  = "race_settled"
)

// Event is one live update for a table.
type Event struct {
	Type      string
	PlayerID  string
	RaceID    string
	Tick      int
	Positions []float64
	Winner    *model.Entrant
	Result    *model.SettlementRecord
	Balance   decimal.Decimal
}

// Notifier receives live updates. Notify must not block.
type Notifier interface {
	Notify(e Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// Deps are the collaborators shared by every table.
type Deps struct {
	Rules     config.Rules
	Book      *odds.Book
	Generator *race.Generator
	Store     store.Store
	Settler   *settlement.Engine
	Outbox    settlement.Scheduler
	Notifier  Notifier
	Log       *slog.Logger

	// NewRand returns the tick randomness for one race. Defaults to a
	// PCG seeded from the runtime source.
	NewRand func() interface{ Float64() float64 }
}

func (d *Deps) defaults() {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.NewRand == nil {
		d.NewRand = func() interface{ Float64() float64 } {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
}

// Table is one player's seat. All methods are safe for concurrent use.
type Table struct {
	deps *Deps

	// detached tables play on an account the store could not supply;
	// their account changes stay in memory.
	detached bool

	mu        sync.Mutex
	account   model.Account
	fieldSize int
	field     []model.Entrant
	state     race.State
	raceID    string
	wager     *wager.Wager
	last      *Result
	cancel    context.CancelFunc
}

// Result is the outcome of the most recent settled race.
type Result struct {
	RaceID string                 `json:"race_id"`
	Winner model.Entrant          `json:"winner"`
	Record model.SettlementRecord `json:"record"`
}

// NewTable seats the player with a fresh field of the default size.
func NewTable(deps *Deps, account model.Account) (*Table, error) {
	deps.defaults()
	t := &Table{deps: deps, account: account}
	if err := t.rearm(deps.Rules.DefaultFieldSize); err != nil {
		return nil, err
	}
	return t, nil
}

// NewDetachedTable seats the player on account without persisting any
// account change. Entrant stats and history are still written.
func NewDetachedTable(deps *Deps, account model.Account) (*Table, error) {
	t, err := NewTable(deps, account)
	if err != nil {
		return nil, err
	}
	t.detached = true
	return t, nil
}

// Detached reports whether account changes on this table are kept in
// memory only.
func (t *Table) Detached() bool {
	return t.detached
}

// rearm draws a new field and returns the table to Idle. Caller holds mu
// or owns t exclusively.
func (t *Table) rearm(size int) error {
	field, err := t.deps.Generator.Field(size)
	if err != nil {
		return err
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.fieldSize = size
	t.field = field
	t.state = race.NewState(len(field))
	t.raceID = ""
	t.wager = nil
	return nil
}

// SetFieldSize regenerates the field at the new size and clears the wager.
func (t *Table) SetFieldSize(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Phase == race.PhaseRunning {
		return ErrRaceInProgress
	}
	return t.rearm(n)
}

// PlayAgain retires a finished race and draws a fresh field of the same
// size. Balances are untouched.
func (t *Table) PlayAgain() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Phase == race.PhaseRunning {
		return ErrRaceInProgress
	}
	return t.rearm(t.fieldSize)
}

// StartRace validates the wager, debits the stake and starts the clock.
// On a validation error nothing changes.
func (t *Table) StartRace(entrantID int, stake decimal.Decimal) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state.Phase {
	case race.PhaseRunning:
		return "", ErrRaceInProgress
	case race.PhaseFinished, race.PhaseSettled:
		return "", ErrRaceOver
	}

	w, err := wager.Place(t.field, entrantID, stake, t.account.Balance, t.deps.Book)
	if err != nil {
		metrics.WagerRejections.WithLabelValues(wager.Reason(err)).Inc()
		return "", err
	}
	started, err := t.state.Start()
	if err != nil {
		return "", err
	}

	raceID := uuid.New().String()
	debit := model.AccountDelta{Balance: w.Stake.Neg()}
	t.account = t.account.Apply(debit)
	t.persistAccount(raceID, store.OpKey("race", raceID, "stake"), debit)

	t.state = started
	t.raceID = raceID
	t.wager = &w

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx, raceID, race.Speeds(t.field), t.deps.NewRand())

	metrics.RacesStarted.WithLabelValues(strconv.Itoa(len(t.field))).Inc()
	metrics.ActiveRaces.Inc()
	metrics.StakeVolume.Add(w.Stake.InexactFloat64())
	t.deps.Log.Info("race started",
		"race_id", raceID,
		"player_id", t.account.PlayerID,
		"field_size", len(t.field),
		"entrant", w.EntrantName,
		"stake", w.Stake.String(),
	)
	return raceID, nil
}

func (t *Table) run(ctx context.Context, raceID string, speeds []float64, rng interface{ Float64() float64 }) {
	clock := race.Clock{Interval: t.deps.Rules.TickInterval}
	finished := clock.Run(ctx, func() bool {
		return t.tick(raceID, speeds, rng)
	})
	metrics.ActiveRaces.Dec()
	if !finished {
		metrics.RacesCancelled.Inc()
	}
}

// tick advances the race one step and settles it on the step a winner is
// found. It reports whether the clock should stop.
func (t *Table) tick(raceID string, speeds []float64, rng interface{ Float64() float64 }) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.raceID != raceID || t.state.Phase != race.PhaseRunning {
		return true
	}

	t.state = t.state.Advance(speeds, rng, t.deps.Rules.FinishLine)
	t.deps.Notifier.Notify(Event{
		Type:      EventTick,
		PlayerID:  t.account.PlayerID,
		RaceID:    raceID,
		Tick:      t.state.Ticks,
		Positions: append([]float64(nil), t.state.Positions...),
	})
	if t.state.Phase != race.PhaseFinished {
		return false
	}

	winner := t.field[t.state.Winner]
	metrics.RacesFinished.Inc()
	metrics.RaceTicks.Observe(float64(t.state.Ticks))
	t.deps.Notifier.Notify(Event{
		Type:      EventFinished,
		PlayerID:  t.account.PlayerID,
		RaceID:    raceID,
		Tick:      t.state.Ticks,
		Positions: append([]float64(nil), t.state.Positions...),
		Winner:    &winner,
	})

	t.settle()
	return true
}

// settle runs the one-shot settlement for the current race. Caller holds mu.
func (t *Table) settle() {
	out, err := t.deps.Settler.Settle(settlement.Race{
		ID:       t.raceID,
		PlayerID: t.account.PlayerID,
		Field:    t.field,
		Wager:    *t.wager,
		State:    t.state,
		Detached: t.detached,
	})
	if err != nil {
		t.deps.Log.Warn("settlement refused", "race_id", t.raceID, "err", err)
		return
	}

	t.state = out.State
	t.account = t.account.Apply(out.Account)
	t.last = &Result{RaceID: t.raceID, Winner: out.Winner, Record: out.Record}

	rec := out.Record
	t.deps.Notifier.Notify(Event{
		Type:     EventSettled,
		PlayerID: t.account.PlayerID,
		RaceID:   t.raceID,
		Tick:     t.state.Ticks,
		Winner:   &out.Winner,
		Result:   &rec,
		Balance:  t.account.Balance,
	})
}

// Deposit adds a positive amount to the balance.
func (t *Table) Deposit(amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrNonPositiveAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := model.AccountDelta{Balance: amount}
	t.account = t.account.Apply(delta)
	t.persistAccount("", store.OpKey("wallet", uuid.New().String()), delta)
	return t.account, nil
}

// Withdraw removes a positive amount no larger than the balance.
func (t *Table) Withdraw(amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrNonPositiveAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if amount.GreaterThan(t.account.Balance) {
		return model.Account{}, fmt.Errorf("%w: amount %s, balance %s", ErrInsufficientBalance, amount, t.account.Balance)
	}
	delta := model.AccountDelta{Balance: amount.Neg()}
	t.account = t.account.Apply(delta)
	t.persistAccount("", store.OpKey("wallet", uuid.New().String()), delta)
	return t.account, nil
}

// persistAccount schedules delta against the stored account under opID.
// Caller holds mu.
func (t *Table) persistAccount(raceID, opID string, delta model.AccountDelta) {
	if t.detached {
		return
	}
	playerID := t.account.PlayerID
	st := t.deps.Store
	t.deps.Outbox.Enqueue(outbox.Op{Name: "account", RaceID: raceID, Do: func(ctx context.Context) error {
		err := st.ApplyAccountDelta(ctx, opID, playerID, delta)
		if errors.Is(err, store.ErrNotFound) {
			return outbox.Permanent(err)
		}
		return err
	}})
}

// SetUsername replaces the display name on the seated account.
func (t *Table) SetUsername(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.account.Username = username
}

// Account returns the in-memory account.
func (t *Table) Account() model.Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.account
}

// Close stops any running clock. The stake of an interrupted race stays
// debited.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// EntrantView is an entrant with its lifetime stats.
type EntrantView struct {
	model.Entrant
	Stats   model.EntrantStats `json:"stats"`
	WinRate float64            `json:"win_rate"`
}

// RaceView is the live race as seen by the player.
type RaceView struct {
	ID        string    `json:"id,omitempty"`
	Phase     string    `json:"phase"`
	Positions []float64 `json:"positions"`
	Ticks     int       `json:"ticks"`
	Winner    string    `json:"winner,omitempty"`
}

// Snapshot is the full table state.
type Snapshot struct {
	PlayerID   string          `json:"player_id"`
	Account    model.Account   `json:"account"`
	FieldSize  int             `json:"field_size"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Entrants   []EntrantView   `json:"entrants"`
	Race       RaceView        `json:"race"`
	Wager      *wager.Wager    `json:"wager,omitempty"`
	LastResult *Result         `json:"last_result,omitempty"`
}

// Snapshot copies the table under the lock and joins entrant stats after
// releasing it, so a slow store never stalls the clock.
func (t *Table) Snapshot(ctx context.Context) Snapshot {
	t.mu.Lock()
	snap := Snapshot{
		PlayerID:   t.account.PlayerID,
		Account:    t.account,
		FieldSize:  t.fieldSize,
		Multiplier: t.deps.Book.Multiplier(len(t.field)),
		Race: RaceView{
			ID:        t.raceID,
			Phase:     t.state.Phase.String(),
			Positions: append([]float64(nil), t.state.Positions...),
			Ticks:     t.state.Ticks,
		},
		LastResult: t.last,
	}
	if t.state.Done() {
		snap.Race.Winner = t.field[t.state.Winner].Name
	}
	if t.wager != nil {
		w := *t.wager
		snap.Wager = &w
	}
	field := append([]model.Entrant(nil), t.field...)
	t.mu.Unlock()

	names := make([]string, len(field))
	for i, e := range field {
		names[i] = e.Name
	}
	st := stats.Load(ctx, t.deps.Store, names, t.deps.Log)

	snap.Entrants = make([]EntrantView, len(field))
	for i, e := range field {
		snap.Entrants[i] = EntrantView{Entrant: e, Stats: st[e.Name], WinRate: stats.WinRate(st[e.Name])}
	}
	return snap
}
