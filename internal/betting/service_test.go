package betting_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/betting"
	"github.com/horsepicks/race-engine/internal/config"
	"github.com/horsepicks/race-engine/internal/game"
	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/odds"
	"github.com/horsepicks/race-engine/internal/outbox"
	"github.com/horsepicks/race-engine/internal/race"
	"github.com/horsepicks/race-engine/internal/settlement"
	"github.com/horsepicks/race-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc    *betting.Service
	store  *store.MemoryStore
	outbox *outbox.Outbox
	router chi.Router
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	return newTestEnvOn(t, ms, ms)
}

// newTestEnvOn serves from st; ms is the memory store st reads through to.
func newTestEnvOn(t *testing.T, st store.Store, ms *store.MemoryStore) *testEnv {
	t.Helper()
	rules, err := config.DefaultRules()
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	rules.TickInterval = time.Millisecond

	book, err := odds.NewBook(rules.OddsMin, rules.OddsMax, rules.Multipliers)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	gen, err := race.NewGenerator(rules.NamePool, book, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("generator: %v", err)
	}

	ob := outbox.New(256, 2, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ob.Run(ctx)
		close(done)
	}()

	svc := betting.NewService(&game.Deps{
		Rules:     rules,
		Book:      book,
		Generator: gen,
		Store:     st,
		Settler:   settlement.NewEngine(st, ob, nil, nil),
		Outbox:    ob,
	}, 50)
	t.Cleanup(func() {
		svc.Close()
		cancel()
		<-done
	})

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/players", svc.CreatePlayer)
		r.Get("/players/{playerID}", svc.GetPlayer)
		r.Patch("/players/{playerID}", svc.UpdatePlayer)
		r.Post("/players/{playerID}/deposit", svc.Deposit)
		r.Post("/players/{playerID}/withdraw", svc.Withdraw)
		r.Get("/players/{playerID}/history", svc.GetHistory)
		r.Get("/players/{playerID}/table", svc.GetTable)
		r.Put("/players/{playerID}/table/field", svc.SetField)
		r.Post("/players/{playerID}/table/race", svc.StartRace)
		r.Post("/players/{playerID}/table/reset", svc.PlayAgain)
		r.Get("/entrants/stats", svc.GetEntrantStats)
	})

	return &testEnv{svc: svc, store: ms, outbox: ob, router: r}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// seedPlayer creates p1 with 10000 directly in the store.
func (env *testEnv) seedPlayer(t *testing.T) {
	t.Helper()
	acct := &model.Account{PlayerID: "p1", Username: "alice", Balance: d(10000), CreatedAt: time.Now().UTC()}
	if err := env.store.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("failed to seed player: %v", err)
	}
}

func (env *testEnv) snapshot(t *testing.T) game.Snapshot {
	t.Helper()
	w := env.do(t, "GET", "/api/v1/players/p1/table", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get table: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap game.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

// waitSettled polls the table until the race is settled.
func (env *testEnv) waitSettled(t *testing.T) game.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := env.snapshot(t)
		if snap.Race.Phase == race.PhaseSettled.String() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("race did not settle in time")
	return game.Snapshot{}
}

// --- Player tests ---

func TestCreatePlayer(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/players", betting.CreatePlayerRequest{Username: "bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.NewDecoder(w.Body).Decode(&acct)
	if acct.PlayerID == "" || acct.Username != "bob" {
		t.Errorf("unexpected account %+v", acct)
	}
	if !acct.Balance.Equal(d(10000)) {
		t.Errorf("expected starting balance 10000, got %s", acct.Balance)
	}

	got := env.do(t, "GET", "/api/v1/players/"+acct.PlayerID, nil)
	if got.Code != http.StatusOK {
		t.Errorf("expected 200 reading new player, got %d", got.Code)
	}
}

func TestCreatePlayer_RequiresUsername(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/players", betting.CreatePlayerRequest{Username: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetPlayer_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/api/v1/players/nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/players/nobody/table", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for table, got %d", w.Code)
	}
}

func TestUpdatePlayer(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	// Seat the player so the live table must follow the rename.
	env.snapshot(t)

	w := env.do(t, "PATCH", "/api/v1/players/p1", betting.UpdatePlayerRequest{Username: "  Ada  "})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.NewDecoder(w.Body).Decode(&acct)
	if acct.Username != "Ada" || !acct.Balance.Equal(d(10000)) {
		t.Errorf("unexpected account %+v", acct)
	}
	if snap := env.snapshot(t); snap.Account.Username != "Ada" {
		t.Errorf("table should show the new name, got %s", snap.Account.Username)
	}
	stored, _ := env.store.GetAccount(context.Background(), "p1")
	if stored.Username != "Ada" {
		t.Errorf("stored username: expected Ada, got %s", stored.Username)
	}
}

func TestUpdatePlayer_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	if w := env.do(t, "PATCH", "/api/v1/players/p1", betting.UpdatePlayerRequest{Username: " "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank username: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "PATCH", "/api/v1/players/nobody", betting.UpdatePlayerRequest{Username: "x"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown player: expected 404, got %d", w.Code)
	}
	stored, _ := env.store.GetAccount(context.Background(), "p1")
	if stored.Username != "alice" {
		t.Errorf("rejected rename must not change the store, got %s", stored.Username)
	}
}

// --- Wallet tests ---

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	w := env.do(t, "POST", "/api/v1/players/p1/deposit", betting.AmountRequest{Amount: "250.50"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.NewDecoder(w.Body).Decode(&acct)
	if !acct.Balance.Equal(d(10250.5)) {
		t.Errorf("expected 10250.50, got %s", acct.Balance)
	}

	w = env.do(t, "POST", "/api/v1/players/p1/withdraw", betting.AmountRequest{Amount: "20000"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("overdraw: expected 422, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/players/p1/withdraw", betting.AmountRequest{Amount: "0.50"})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d", w.Code)
	}
	env.outbox.Wait()

	stored, _ := env.store.GetAccount(context.Background(), "p1")
	if !stored.Balance.Equal(d(10250)) {
		t.Errorf("stored balance: expected 10250, got %s", stored.Balance)
	}
}

func TestDeposit_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	for _, amt := range []string{"", "abc", "1.234", "-5", "0"} {
		w := env.do(t, "POST", "/api/v1/players/p1/deposit", betting.AmountRequest{Amount: amt})
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %q: expected 400, got %d", amt, w.Code)
		}
	}
}

// --- Table tests ---

func TestGetTable_DefaultField(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	snap := env.snapshot(t)
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
			t.Errorf("expected zero stats for %s, got %+v", e.Name, e.Stats)
		}
	}
}

func TestSetField(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	w := env.do(t, "PUT", "/api/v1/players/p1/table/field", betting.FieldRequest{FieldSize: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap game.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if len(snap.Entrants) != 5 || !snap.Multiplier.Equal(d(1.5)) {
		t.Errorf("expected 5 entrants at 1.5x, got %d at %s", len(snap.Entrants), snap.Multiplier)
	}

	w = env.do(t, "PUT", "/api/v1/players/p1/table/field", betting.FieldRequest{FieldSize: 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("field size 0: expected 400, got %d", w.Code)
	}
}

func TestStartRace_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	tests := []struct {
		name   string
		req    betting.RaceRequest
		status int
	}{
		{"no selection", betting.RaceRequest{EntrantID: 0, Stake: "100"}, http.StatusBadRequest},
		{"unknown entrant", betting.RaceRequest{EntrantID: 9, Stake: "100"}, http.StatusBadRequest},
		{"zero stake", betting.RaceRequest{EntrantID: 1, Stake: "0"}, http.StatusBadRequest},
		{"malformed stake", betting.RaceRequest{EntrantID: 1, Stake: "ten"}, http.StatusBadRequest},
		{"stake over balance", betting.RaceRequest{EntrantID: 1, Stake: "10000.01"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/players/p1/table/race", tc.req)
			if w.Code != tc.status {
				t.Errorf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
		})
	}

	snap := env.snapshot(t)
	if snap.Race.Phase != "idle" || !snap.Account.Balance.Equal(d(10000)) {
		t.Errorf("rejected wagers must change nothing: phase %s balance %s", snap.Race.Phase, snap.Account.Balance)
	}
}

func TestStartRace_RunsToSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	w := env.do(t, "POST", "/api/v1/players/p1/table/race", betting.RaceRequest{EntrantID: 1, Stake: "500"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp betting.RaceResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.RaceID == "" {
		t.Fatal("expected a race id")
	}

	snap := env.waitSettled(t)
	if snap.LastResult == nil || snap.LastResult.RaceID != resp.RaceID {
		t.Fatalf("expected last result for %s, got %+v", resp.RaceID, snap.LastResult)
	}
	rec := snap.LastResult.Record
	wantBalance := d(9500).Add(rec.Payout)
	if !snap.Account.Balance.Equal(wantBalance) {
		t.Errorf("expected balance %s, got %s", wantBalance, snap.Account.Balance)
	}
	if snap.Account.TotalGames != 1 {
		t.Errorf("expected 1 game, got %d", snap.Account.TotalGames)
	}

	// A settled race cannot be restarted without re-arming.
	w = env.do(t, "POST", "/api/v1/players/p1/table/race", betting.RaceRequest{EntrantID: 1, Stake: "1"})
	if w.Code != http.StatusConflict {
		t.Errorf("restart after settle: expected 409, got %d", w.Code)
	}

	env.outbox.Wait()
	hw := env.do(t, "GET", "/api/v1/players/p1/history", nil)
	var hist []model.MatchRecord
	json.NewDecoder(hw.Body).Decode(&hist)
	if len(hist) != 1 || hist[0].RaceID != resp.RaceID {
		t.Fatalf("expected one match record for %s, got %+v", resp.RaceID, hist)
	}
	if !hist[0].Profit.Equal(hist[0].Payout.Sub(hist[0].Stake)) {
		t.Errorf("profit must equal payout - stake: %+v", hist[0])
	}

	stored, _ := env.store.GetAccount(context.Background(), "p1")
	if !stored.Balance.Equal(wantBalance) {
		t.Errorf("stored balance: expected %s, got %s", wantBalance, stored.Balance)
	}

	sw := env.do(t, "GET", "/api/v1/entrants/stats?name="+url.QueryEscape(snap.Race.Winner), nil)
	var st []model.EntrantStats
	json.NewDecoder(sw.Body).Decode(&st)
	if len(st) != 1 || st[0].TotalWins != 1 {
		t.Errorf("expected winner to have one win, got %+v", st)
	}
}

func TestPlayAgain(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	env.do(t, "POST", "/api/v1/players/p1/table/race", betting.RaceRequest{EntrantID: 2, Stake: "100"})
	settled := env.waitSettled(t)

	w := env.do(t, "POST", "/api/v1/players/p1/table/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap game.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.Race.Phase != "idle" || snap.Wager != nil || snap.Race.ID != "" {
		t.Errorf("expected a re-armed idle table, got %+v", snap.Race)
	}
	if !snap.Account.Balance.Equal(settled.Account.Balance) {
		t.Errorf("play again must not touch the balance: %s vs %s", snap.Account.Balance, settled.Account.Balance)
	}
	if len(snap.Entrants) != settled.FieldSize {
		t.Errorf("expected field size %d kept, got %d", settled.FieldSize, len(snap.Entrants))
	}
}

// --- History and stats tests ---

func TestGetHistory_Empty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/players/p1/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty list, got %s", body)
	}
}

func TestGetHistory_BadLimit(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/api/v1/players/p1/history?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetEntrantStats_UnknownNamesAreZero(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/entrants/stats?name=Ghost+Horse&name=Iron+Hoof", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st []model.EntrantStats
	json.NewDecoder(w.Body).Decode(&st)
	if len(st) != 2 || st[0].Name != "Ghost Horse" || st[0].TotalGames != 0 {
		t.Errorf("expected zero stats in request order, got %+v", st)
	}
}

// --- Seating tests ---

// flakyAccounts fails every account read and passes the rest through.
type flakyAccounts struct {
	*store.MemoryStore
}

func (flakyAccounts) GetAccount(context.Context, string) (*model.Account, error) {
	return nil, errors.New("connection refused")
}

func TestSeat_StoreDownKeepsStoredAccountIntact(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnvOn(t, flakyAccounts{ms}, ms)
	env.seedPlayer(t)

	snap := env.snapshot(t)
	if !snap.Account.Balance.Equal(d(10000)) {
		t.Fatalf("expected a starting balance, got %s", snap.Account.Balance)
	}
	if w := env.do(t, "POST", "/api/v1/players/p1/deposit", betting.AmountRequest{Amount: "100"}); w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d", w.Code)
	}
	w := env.do(t, "POST", "/api/v1/players/p1/table/race", betting.RaceRequest{EntrantID: 1, Stake: "500"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	env.waitSettled(t)
	env.outbox.Wait()

	stored, _ := ms.GetAccount(context.Background(), "p1")
	if !stored.Balance.Equal(d(10000)) || stored.TotalGames != 0 {
		t.Errorf("stored account must not see in-memory play, got %+v", stored)
	}
}

// gatedAccounts blocks account reads for one player until released.
type gatedAccounts struct {
	*store.MemoryStore
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAccounts) GetAccount(ctx context.Context, playerID string) (*model.Account, error) {
	if playerID == g.slow {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.MemoryStore.GetAccount(ctx, playerID)
}

func TestSeat_SlowReadDoesNotBlockOthers(t *testing.T) {
	ms := store.NewMemoryStore()
	gated := &gatedAccounts{MemoryStore: ms, slow: "p2", entered: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnvOn(t, gated, ms)
	env.seedPlayer(t)
	p2 := &model.Account{PlayerID: "p2", Username: "bob", Balance: d(10000), CreatedAt: time.Now().UTC()}
	if err := ms.CreateAccount(context.Background(), p2); err != nil {
		t.Fatalf("create p2: %v", err)
	}

	slowDone := make(chan int, 1)
	go func() {
		slowDone <- env.do(t, "GET", "/api/v1/players/p2/table", nil).Code
	}()
	<-gated.entered

	done := make(chan int, 1)
	go func() {
		done <- env.do(t, "GET", "/api/v1/players/p1/table", nil).Code
	}()
	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Errorf("p1: expected 200, got %d", code)
		}
	case <-time.After(2 * time.Second):
		close(gated.release)
		t.Fatal("seating p1 waited on p2's account read")
	}

	close(gated.release)
	if code := <-slowDone; code != http.StatusOK {
		t.Errorf("p2: expected 200, got %d", code)
	}
}

func TestSeat_ConcurrentRequestsShareOneTable(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t)

	const n = 8
	fields := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := env.do(t, "GET", "/api/v1/players/p1/table", nil)
			var snap game.Snapshot
			json.NewDecoder(w.Body).Decode(&snap)
			names := ""
			for _, e := range snap.Entrants {
				names += e.Name + "|"
			}
			fields <- names
		}()
	}
	wg.Wait()
	close(fields)

	first := <-fields
	for f := range fields {
		if f != first {
			t.Fatalf("requests saw different tables: %q vs %q", first, f)
		}
	}
}
