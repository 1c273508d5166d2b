// Package store defines the persistence interface for the race engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache), and in-memory (for testing and
// degraded mode).
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/horsepicks/race-engine/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAccountExists = errors.New("store: account already exists")
)

// Store is the persistence interface. Writes are increments so that
// independent settlement updates never overwrite each other. Increments
// carry an op id; an id that was already applied is a no-op, so a retried
// write that had in fact committed is not counted twice. An empty op id
// always applies.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by player id. Returns ErrNotFound
	// when the player has no account.
	GetAccount(ctx context.Context, playerID string) (*model.Account, error)

	// ApplyAccountDelta adds delta to the stored account once per opID.
	ApplyAccountDelta(ctx context.Context, opID, playerID string, delta model.AccountDelta) error

	// UpdateUsername replaces the display name of an existing account.
	UpdateUsername(ctx context.Context, playerID, username string) error

	// --- Entrant statistics ---

	// GetEntrantStats returns the stored stats for the given names.
	// Names without a record are omitted from the result.
	GetEntrantStats(ctx context.Context, names []string) (map[string]model.EntrantStats, error)

	// ApplyEntrantStatsDelta adds delta to the stats for name once per
	// opID, creating the record on first use.
	ApplyEntrantStatsDelta(ctx context.Context, opID, name string, delta model.EntrantStatsDelta) error

	// --- Immutable match history ---

	// AppendMatchRecord appends an immutable settlement record. A record
	// whose id is already stored is ignored.
	AppendMatchRecord(ctx context.Context, record *model.MatchRecord) error

	// ListMatchRecords returns a player's records, most recent first.
	// limit <= 0 returns all of them.
	ListMatchRecords(ctx context.Context, playerID string, limit int) ([]model.MatchRecord, error)
}

// OpKey builds an op id from its parts, e.g. OpKey("race", id, "account").
func OpKey(parts ...string) string {
	return strings.Join(parts, ":")
}
