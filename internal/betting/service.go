// Package betting provides the HTTP handlers for player accounts and race
// tables: seating a player, placing a wager, starting and re-arming races,
// and reading stats and match history.
//
// All monetary values use shopspring/decimal; never float64 for money.
package betting

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/game"
	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/race"
	"github.com/horsepicks/race-engine/internal/stats"
	"github.com/horsepicks/race-engine/internal/store"
	"github.com/horsepicks/race-engine/internal/wager"
)

// Service seats players at tables and serves the HTTP API. Tables are
// created on first use and live for the life of the process.
type Service struct {
	deps         *game.Deps
	store        store.Store
	historyLimit int
	log          *slog.Logger

	mu     sync.Mutex
	tables map[string]*game.Table
}

// NewService creates a betting service over the shared table deps.
func NewService(deps *game.Deps, historyLimit int) *Service {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		deps:         deps,
		store:        deps.Store,
		historyLimit: historyLimit,
		log:          log,
		tables:       make(map[string]*game.Table),
	}
}

// --- Request types ---

// CreatePlayerRequest is the JSON body for POST /players.
type CreatePlayerRequest struct {
	Username string `json:"username"`
}

// UpdatePlayerRequest is the JSON body for PATCH /players/{playerID}.
type UpdatePlayerRequest struct {
	Username string `json:"username"`
}

// AmountRequest is the JSON body for deposit and withdraw. Amounts are
// strings so they never pass through float64: {"amount": "250.00"}.
type AmountRequest struct {
	Amount string `json:"amount"`
}

// FieldRequest is the JSON body for PUT /table/field.
type FieldRequest struct {
	FieldSize int `json:"field_size"`
}

// RaceRequest is the JSON body for POST /table/race.
type RaceRequest struct {
	EntrantID int    `json:"entrant_id"`
	Stake     string `json:"stake"`
}

// RaceResponse is returned when a race starts.
type RaceResponse struct {
	RaceID string        `json:"race_id"`
	Table  game.Snapshot `json:"table"`
}

// --- Tables ---

// table returns the player's table, seating them on first use. A player
// with no account gets ErrNotFound. If the account cannot be read for any
// other reason the player is seated on a detached in-memory account so the
// game stays playable without storage.
func (s *Service) table(ctx context.Context, playerID string) (*game.Table, error) {
	if t, ok := s.seated(playerID); ok {
		return t, nil
	}

	// Read without s.mu; the map is checked again before insert.
	var t *game.Table
	acct, err := s.store.GetAccount(ctx, playerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, err
	case err != nil:
		s.log.Error("account unavailable, seating detached in-memory account",
			"player_id", playerID, "err", err)
		t, err = game.NewDetachedTable(s.deps, *s.freshAccount(playerID, ""))
	default:
		t, err = game.NewTable(s.deps, *acct)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tables[playerID]; ok {
		t.Close()
		return existing, nil
	}
	s.tables[playerID] = t
	return t, nil
}

func (s *Service) seated(playerID string) (*game.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[playerID]
	return t, ok
}

func (s *Service) freshAccount(playerID, username string) *model.Account {
	return &model.Account{
		PlayerID:    playerID,
		Username:    username,
		Balance:     s.deps.Rules.StartingBalance,
		TotalProfit: decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}
}

// Close stops every running race clock.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tables {
		t.Close()
	}
}

// --- HTTP Handlers ---

// CreatePlayer handles POST /api/v1/players
func (s *Service) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	acct := s.freshAccount(uuid.New().String(), req.Username)
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.log.Info("player created", "player_id", acct.PlayerID, "username", acct.Username)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(acct)
}

// GetPlayer handles GET /api/v1/players/{playerID}
// A seated player's live balance comes from their table.
func (s *Service) GetPlayer(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	t, seated := s.seated(playerID)

	var acct model.Account
	if seated {
		acct = t.Account()
	} else {
		a, err := s.store.GetAccount(r.Context(), playerID)
		if err != nil {
			writeError(w, "player not found", statusFor(err))
			return
		}
		acct = *a
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// UpdatePlayer handles PATCH /api/v1/players/{playerID}
// Only the username can change.
func (s *Service) UpdatePlayer(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	var req UpdatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateUsername(r.Context(), playerID, req.Username); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	var acct model.Account
	if t, ok := s.seated(playerID); ok {
		t.SetUsername(req.Username)
		acct = t.Account()
	} else {
		a, err := s.store.GetAccount(r.Context(), playerID)
		if err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
		acct = *a
	}

	s.log.Info("player renamed", "player_id", playerID, "username", req.Username)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// Deposit handles POST /api/v1/players/{playerID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.wallet(w, r, (*game.Table).Deposit)
}

// Withdraw handles POST /api/v1/players/{playerID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.wallet(w, r, (*game.Table).Withdraw)
}

func (s *Service) wallet(w http.ResponseWriter, r *http.Request, op func(*game.Table, decimal.Decimal) (model.Account, error)) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := wager.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, err := s.table(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	acct, err := op(t, amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// GetHistory handles GET /api/v1/players/{playerID}/history?limit=N
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	limit := s.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.store.ListMatchRecords(r.Context(), playerID, limit)
	if err != nil {
		writeError(w, "failed to load match history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.MatchRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// GetTable handles GET /api/v1/players/{playerID}/table
func (s *Service) GetTable(w http.ResponseWriter, r *http.Request) {
	t, err := s.table(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t.Snapshot(r.Context()))
}

// SetField handles PUT /api/v1/players/{playerID}/table/field
func (s *Service) SetField(w http.ResponseWriter, r *http.Request) {
	var req FieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.table(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if err := t.SetFieldSize(req.FieldSize); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t.Snapshot(r.Context()))
}

// StartRace handles POST /api/v1/players/{playerID}/table/race
// Validates the wager, debits the stake and starts the race clock. The
// race runs asynchronously; progress arrives over the WebSocket feed.
func (s *Service) StartRace(w http.ResponseWriter, r *http.Request) {
	var req RaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	stake, err := wager.ParseAmount(req.Stake)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, err := s.table(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	raceID, err := t.StartRace(req.EntrantID, stake)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(RaceResponse{RaceID: raceID, Table: t.Snapshot(r.Context())})
}

// PlayAgain handles POST /api/v1/players/{playerID}/table/reset
func (s *Service) PlayAgain(w http.ResponseWriter, r *http.Request) {
	t, err := s.table(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if err := t.PlayAgain(); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t.Snapshot(r.Context()))
}

// GetEntrantStats handles GET /api/v1/entrants/stats?name=A&name=B
// Names without a record come back as zeros.
func (s *Service) GetEntrantStats(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["name"]
	if len(names) == 0 {
		names = s.deps.Rules.NamePool
	}

	st := stats.Load(r.Context(), s.store, names, s.log)
	out := make([]model.EntrantStats, 0, len(names))
	for _, n := range names {
		out = append(out, st[n])
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAccountExists),
		errors.Is(err, game.ErrRaceInProgress),
		errors.Is(err, game.ErrRaceOver):
		return http.StatusConflict
	case errors.Is(err, wager.ErrInsufficientBalance),
		errors.Is(err, game.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, wager.ErrNoSelection),
		errors.Is(err, wager.ErrUnknownEntrant),
		errors.Is(err, wager.ErrNonPositiveStake),
		errors.Is(err, wager.ErrInvalidAmount),
		errors.Is(err, game.ErrNonPositiveAmount),
		errors.Is(err, race.ErrInvalidFieldSize):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
