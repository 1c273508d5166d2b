package game_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/config"
	"github.com/horsepicks/race-engine/internal/game"
	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/odds"
	"github.com/horsepicks/race-engine/internal/outbox"
	"github.com/horsepicks/race-engine/internal/race"
	"github.com/horsepicks/race-engine/internal/settlement"
	"github.com/horsepicks/race-engine/internal/store"
	"github.com/horsepicks/race-engine/internal/wager"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type chanNotifier chan game.Event

func (c chanNotifier) Notify(e game.Event) {
	select {
	case c <- e:
	default:
	}
}

type testEnv struct {
	store  *store.MemoryStore
	outbox *outbox.Outbox
	events chanNotifier
	deps   *game.Deps
}

func newTestEnv(t *testing.T, tick time.Duration) *testEnv {
	t.Helper()
	rules, err := config.DefaultRules()
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	rules.TickInterval = tick

	book, err := odds.NewBook(rules.OddsMin, rules.OddsMax, rules.Multipliers)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	gen, err := race.NewGenerator(rules.NamePool, book, rand.New(rand.NewPCG(7, 7)))
	if err != nil {
		t.Fatalf("generator: %v", err)
	}

	st := store.NewMemoryStore()
	ob := outbox.New(256, 2, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ob.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	events := make(chanNotifier, 4096)
	var seed uint64
	deps := &game.Deps{
		Rules:     rules,
		Book:      book,
		Generator: gen,
		Store:     st,
		Settler:   settlement.NewEngine(st, ob, nil, nil),
		Outbox:    ob,
		Notifier:  events,
		NewRand: func() interface{ Float64() float64 } {
			seed++
			return rand.New(rand.NewPCG(seed, 99))
		},
	}
	return &testEnv{store: st, outbox: ob, events: events, deps: deps}
}

func (env *testEnv) seat(t *testing.T) *game.Table {
	t.Helper()
	acct := model.Account{PlayerID: "p1", Username: "alice", Balance: d(10000), CreatedAt: time.Now().UTC()}
	if err := env.store.CreateAccount(context.Background(), &acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	tbl, err := game.NewTable(env.deps, acct)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	t.Cleanup(tbl.Close)
	return tbl
}

// waitFor returns the first event of the given type.
func (env *testEnv) waitFor(t *testing.T, typ string) game.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-env.events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestNewTable_DefaultField(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	snap := tbl.Snapshot(context.Background())
	if snap.FieldSize != 3 || len(snap.Entrants) != 3 {
		t.Fatalf("expected default field of 3, got %d/%d", snap.FieldSize, len(snap.Entrants))
	}
	if snap.Race.Phase != "idle" {
		t.Errorf("expected idle, got %s", snap.Race.Phase)
	}
	if !snap.Multiplier.Equal(d(1.0)) {
		t.Errorf("expected multiplier 1.0, got %s", snap.Multiplier)
	}
	for _, e := range snap.Entrants {
		if e.Stats.Name != e.Name || e.Stats.TotalGames != 0 {
			t.Errorf("fresh entrant should have zero stats: %+v", e.Stats)
		}
	}
}

func TestStartRace_RejectsInvalidWager(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	tests := []struct {
		id    int
		stake decimal.Decimal
		want  error
	}{
		{0, d(100), wager.ErrNoSelection},
		{1, d(0), wager.ErrNonPositiveStake},
		{1, d(10000.01), wager.ErrInsufficientBalance},
		{42, d(100), wager.ErrUnknownEntrant},
	}
	for _, tc := range tests {
		if _, err := tbl.StartRace(tc.id, tc.stake); !errors.Is(err, tc.want) {
			t.Errorf("expected %v, got %v", tc.want, err)
		}
	}

	snap := tbl.Snapshot(context.Background())
	if !snap.Account.Balance.Equal(d(10000)) {
		t.Errorf("rejected wager must not change balance, got %s", snap.Account.Balance)
	}
	if snap.Race.Phase != "idle" || snap.Wager != nil {
		t.Errorf("rejected wager must not start a race: %+v", snap.Race)
	}
}

func TestStartRace_RunsAndSettlesOnce(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	snap := tbl.Snapshot(context.Background())
	backed := snap.Entrants[0]

	raceID, err := tbl.StartRace(backed.ID, d(500))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if acct := tbl.Account(); acct.TotalGames == 0 && !acct.Balance.Equal(d(9500)) {
		t.Errorf("stake should be debited on start, balance %s", acct.Balance)
	}

	settled := env.waitFor(t, game.EventSettled)
	if settled.RaceID != raceID {
		t.Fatalf("settled event for wrong race: %s", settled.RaceID)
	}
	if settled.Result == nil || settled.Winner == nil {
		t.Fatal("settled event must carry the result and winner")
	}

	expected := d(9500)
	if settled.Result.Won {
		want := d(500).Mul(backed.Odds).Round(2)
		if !settled.Result.Payout.Equal(want) {
			t.Errorf("payout: expected %s, got %s", want, settled.Result.Payout)
		}
		expected = expected.Add(settled.Result.Payout)
	}

	acct := tbl.Account()
	if !acct.Balance.Equal(expected) {
		t.Errorf("in-memory balance: expected %s, got %s", expected, acct.Balance)
	}
	if acct.TotalGames != 1 || acct.TotalWins+acct.TotalLosses != 1 {
		t.Errorf("unexpected counters %+v", acct)
	}

	env.outbox.Wait()
	stored, _ := env.store.GetAccount(context.Background(), "p1")
	if !stored.Balance.Equal(expected) {
		t.Errorf("stored balance: expected %s, got %s", expected, stored.Balance)
	}
	hist, _ := env.store.ListMatchRecords(context.Background(), "p1", 0)
	if len(hist) != 1 {
		t.Errorf("expected one match record, got %d", len(hist))
	}

	// No second settlement arrives.
	select {
	case e := <-env.events:
		if e.Type == game.EventSettled {
			t.Error("race settled twice")
		}
	case <-time.After(20 * time.Millisecond):
	}

	snap = tbl.Snapshot(context.Background())
	if snap.Race.Phase != "settled" || snap.Race.Winner != settled.Winner.Name {
		t.Errorf("unexpected race view %+v", snap.Race)
	}
	if snap.LastResult == nil || snap.LastResult.RaceID != raceID {
		t.Errorf("last result should be recorded: %+v", snap.LastResult)
	}
	for _, p := range snap.Race.Positions {
		if p > 100 {
			t.Errorf("position beyond finish: %v", p)
		}
	}
}

func TestStartRace_TickPositionsMonotonic(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	if _, err := tbl.StartRace(1, d(10)); err != nil {
		t.Fatalf("start: %v", err)
	}

	var prev []float64
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-env.events:
			if e.Type == game.EventTick {
				for i := range prev {
					if e.Positions[i] < prev[i] {
						t.Fatalf("entrant %d moved backwards: %v -> %v", i, prev[i], e.Positions[i])
					}
				}
				prev = e.Positions
			}
			if e.Type == game.EventSettled {
				return
			}
		case <-timeout:
			t.Fatal("race never settled")
		}
	}
}

func TestStartRace_WhileRunning(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	tbl := env.seat(t)

	if _, err := tbl.StartRace(1, d(100)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := tbl.StartRace(2, d(100)); !errors.Is(err, game.ErrRaceInProgress) {
		t.Errorf("expected ErrRaceInProgress, got %v", err)
	}
	if err := tbl.SetFieldSize(5); !errors.Is(err, game.ErrRaceInProgress) {
		t.Errorf("field size change while running: expected ErrRaceInProgress, got %v", err)
	}
	if err := tbl.PlayAgain(); !errors.Is(err, game.ErrRaceInProgress) {
		t.Errorf("play again while running: expected ErrRaceInProgress, got %v", err)
	}
	if acct := tbl.Account(); !acct.Balance.Equal(d(9900)) {
		t.Errorf("only the first stake should be debited, balance %s", acct.Balance)
	}
}

func TestPlayAgain_RearmsWithoutTouchingBalance(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	if _, err := tbl.StartRace(2, d(250)); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.waitFor(t, game.EventSettled)

	if _, err := tbl.StartRace(1, d(10)); !errors.Is(err, game.ErrRaceOver) {
		t.Errorf("expected ErrRaceOver before play again, got %v", err)
	}

	before := tbl.Account()
	if err := tbl.PlayAgain(); err != nil {
		t.Fatalf("play again: %v", err)
	}
	after := tbl.Snapshot(context.Background())
	if !after.Account.Balance.Equal(before.Balance) {
		t.Errorf("play again changed balance: %s -> %s", before.Balance, after.Account.Balance)
	}
	if after.Race.Phase != "idle" || after.Wager != nil || after.Race.ID != "" {
		t.Errorf("table should be idle with no wager: %+v", after.Race)
	}
	if len(after.Entrants) != 3 {
		t.Errorf("field size should be kept, got %d", len(after.Entrants))
	}
}

func TestSetFieldSize(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	if err := tbl.SetFieldSize(6); err != nil {
		t.Fatalf("set field size: %v", err)
	}
	snap := tbl.Snapshot(context.Background())
	if len(snap.Entrants) != 6 || !snap.Multiplier.Equal(d(2.0)) {
		t.Errorf("expected 6 entrants at 2.0x, got %d at %s", len(snap.Entrants), snap.Multiplier)
	}

	if err := tbl.SetFieldSize(0); !errors.Is(err, race.ErrInvalidFieldSize) {
		t.Errorf("expected ErrInvalidFieldSize, got %v", err)
	}
	if got := tbl.Snapshot(context.Background()); len(got.Entrants) != 6 {
		t.Error("a rejected size change must keep the current field")
	}
}

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	if _, err := tbl.Deposit(d(0)); !errors.Is(err, game.ErrNonPositiveAmount) {
		t.Errorf("deposit 0: expected ErrNonPositiveAmount, got %v", err)
	}
	acct, err := tbl.Deposit(d(250.5))
	if err != nil || !acct.Balance.Equal(d(10250.5)) {
		t.Fatalf("deposit: balance %s, err %v", acct.Balance, err)
	}

	if _, err := tbl.Withdraw(d(-1)); !errors.Is(err, game.ErrNonPositiveAmount) {
		t.Errorf("withdraw -1: expected ErrNonPositiveAmount, got %v", err)
	}
	if _, err := tbl.Withdraw(d(20000)); !errors.Is(err, game.ErrInsufficientBalance) {
		t.Errorf("overdraw: expected ErrInsufficientBalance, got %v", err)
	}
	acct, err = tbl.Withdraw(d(10250.5))
	if err != nil || !acct.Balance.IsZero() {
		t.Fatalf("withdraw all: balance %s, err %v", acct.Balance, err)
	}

	env.outbox.Wait()
	stored, _ := env.store.GetAccount(context.Background(), "p1")
	if !stored.Balance.IsZero() {
		t.Errorf("stored balance should follow the table, got %s", stored.Balance)
	}
}

func TestDeposit_RepeatedAmountsEachPersist(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	for i := 0; i < 3; i++ {
		if _, err := tbl.Deposit(d(100)); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	env.outbox.Wait()
	stored, _ := env.store.GetAccount(context.Background(), "p1")
	if !stored.Balance.Equal(d(10300)) {
		t.Errorf("expected 10300, got %s", stored.Balance)
	}
}

func TestDetachedTable_KeepsAccountInMemory(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	stored := model.Account{PlayerID: "p1", Username: "alice", Balance: d(700), CreatedAt: time.Now().UTC()}
	if err := env.store.CreateAccount(context.Background(), &stored); err != nil {
		t.Fatalf("create account: %v", err)
	}

	fresh := model.Account{PlayerID: "p1", Username: "p1", Balance: d(10000), CreatedAt: time.Now().UTC()}
	tbl, err := game.NewDetachedTable(env.deps, fresh)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	t.Cleanup(tbl.Close)
	if !tbl.Detached() {
		t.Fatal("expected a detached table")
	}

	if _, err := tbl.Deposit(d(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := tbl.StartRace(1, d(500)); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.waitFor(t, game.EventSettled)
	env.outbox.Wait()

	got, _ := env.store.GetAccount(context.Background(), "p1")
	if !got.Balance.Equal(d(700)) || got.TotalGames != 0 {
		t.Errorf("stored account must be untouched, got %+v", got)
	}
	if acct := tbl.Account(); acct.TotalGames != 1 {
		t.Errorf("in-memory account should record the race: %+v", acct)
	}
	hist, _ := env.store.ListMatchRecords(context.Background(), "p1", 0)
	if len(hist) != 1 {
		t.Errorf("history is still recorded, got %d records", len(hist))
	}
}

func TestSetUsername(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	tbl := env.seat(t)

	tbl.SetUsername("Ada")
	if got := tbl.Snapshot(context.Background()).Account.Username; got != "Ada" {
		t.Errorf("expected Ada, got %s", got)
	}
}
