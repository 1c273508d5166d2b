package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are kept as
// TEXT and summed in Go, since SQLite has no exact NUMERIC type.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path in WAL mode
// and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			player_id    TEXT PRIMARY KEY,
			username     TEXT NOT NULL,
			balance      TEXT NOT NULL DEFAULT '0',
			total_games  INTEGER NOT NULL DEFAULT 0,
			total_wins   INTEGER NOT NULL DEFAULT 0,
			total_losses INTEGER NOT NULL DEFAULT 0,
			total_profit TEXT NOT NULL DEFAULT '0',
			created_at   DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entrant_stats (
			name         TEXT PRIMARY KEY,
			total_games  INTEGER NOT NULL DEFAULT 0,
			total_wins   INTEGER NOT NULL DEFAULT 0,
			total_losses INTEGER NOT NULL DEFAULT 0,
			total_payout TEXT NOT NULL DEFAULT '0'
		);`,
		`CREATE TABLE IF NOT EXISTS match_records (
			id           TEXT PRIMARY KEY,
			player_id    TEXT NOT NULL,
			race_id      TEXT NOT NULL,
			entrant_id   INTEGER NOT NULL,
			entrant_name TEXT NOT NULL,
			odds         TEXT NOT NULL,
			stake        TEXT NOT NULL,
			multiplier   TEXT NOT NULL,
			field_size   INTEGER NOT NULL,
			winner_name  TEXT NOT NULL,
			won          BOOLEAN NOT NULL,
			payout       TEXT NOT NULL,
			profit       TEXT NOT NULL,
			timestamp    DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS match_records_player_ts ON match_records (player_id, timestamp DESC);`,
		`CREATE TABLE IF NOT EXISTS applied_ops (
			op_id      TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (player_id, username, balance, total_games, total_wins, total_losses, total_profit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PlayerID, a.Username, a.Balance.String(),
		a.TotalGames, a.TotalWins, a.TotalLosses, a.TotalProfit.String(),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.PlayerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.PlayerID)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, playerID string) (*model.Account, error) {
	return getSQLiteAccount(ctx, s.db, playerID)
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteAccount(ctx context.Context, q queryRower, playerID string) (*model.Account, error) {
	var a model.Account
	var balance, profit string

	err := q.QueryRowContext(ctx,
		`SELECT player_id, username, balance, total_games, total_wins, total_losses, total_profit, created_at
		 FROM accounts WHERE player_id = ?`, playerID).
		Scan(&a.PlayerID, &a.Username, &balance,
			&a.TotalGames, &a.TotalWins, &a.TotalLosses, &profit,
			&a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", playerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", playerID, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	a.TotalProfit, _ = decimal.NewFromString(profit)
	return &a, nil
}

// claimSQLiteOp records opID inside tx and reports false when it was
// already applied.
func claimSQLiteOp(ctx context.Context, tx *sql.Tx, opID string) (bool, error) {
	if opID == "" {
		return true, nil
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO applied_ops (op_id) VALUES (?)`, opID)
	if err != nil {
		return false, fmt.Errorf("claim op %s: %w", opID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApplyAccountDelta reads, adds and writes back inside one transaction,
// together with the op claim.
func (s *SQLiteStore) ApplyAccountDelta(ctx context.Context, opID, playerID string, d model.AccountDelta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := getSQLiteAccount(ctx, tx, playerID)
		if err != nil {
			return err
		}
		fresh, err := claimSQLiteOp(ctx, tx, opID)
		if err != nil || !fresh {
			return err
		}
		next := a.Apply(d)
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts
			 SET balance = ?, total_games = ?, total_wins = ?, total_losses = ?, total_profit = ?
			 WHERE player_id = ?`,
			next.Balance.String(), next.TotalGames, next.TotalWins, next.TotalLosses, next.TotalProfit.String(),
			playerID,
		)
		if err != nil {
			return fmt.Errorf("apply account delta %s: %w", playerID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) UpdateUsername(ctx context.Context, playerID, username string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET username = ? WHERE player_id = ?`, username, playerID)
	if err != nil {
		return fmt.Errorf("update username %s: %w", playerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", playerID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetEntrantStats(ctx context.Context, names []string) (map[string]model.EntrantStats, error) {
	out := make(map[string]model.EntrantStats, len(names))
	if len(names) == 0 {
		return out, nil
	}

	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, total_games, total_wins, total_losses, total_payout
		 FROM entrant_stats WHERE name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entrant stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st model.EntrantStats
		var payout string
		if err := rows.Scan(&st.Name, &st.TotalGames, &st.TotalWins, &st.TotalLosses, &payout); err != nil {
			return nil, err
		}
		st.TotalPayout, _ = decimal.NewFromString(payout)
		out[st.Name] = st
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ApplyEntrantStatsDelta(ctx context.Context, opID, name string, d model.EntrantStatsDelta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := claimSQLiteOp(ctx, tx, opID)
		if err != nil || !fresh {
			return err
		}
		st := model.EntrantStats{Name: name}
		var payout string
		err = tx.QueryRowContext(ctx,
			`SELECT total_games, total_wins, total_losses, total_payout FROM entrant_stats WHERE name = ?`, name).
			Scan(&st.TotalGames, &st.TotalWins, &st.TotalLosses, &payout)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read entrant stats %s: %w", name, err)
		default:
			st.TotalPayout, _ = decimal.NewFromString(payout)
		}

		next := st.Apply(d)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entrant_stats (name, total_games, total_wins, total_losses, total_payout)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (name) DO UPDATE
			 SET total_games = excluded.total_games, total_wins = excluded.total_wins,
			     total_losses = excluded.total_losses, total_payout = excluded.total_payout`,
			name, next.TotalGames, next.TotalWins, next.TotalLosses, next.TotalPayout.String(),
		)
		if err != nil {
			return fmt.Errorf("apply entrant stats delta %s: %w", name, err)
		}
		return nil
	})
}

func (s *SQLiteStore) AppendMatchRecord(ctx context.Context, r *model.MatchRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO match_records (id, player_id, race_id, entrant_id, entrant_name,
		                                      odds, stake, multiplier, field_size, winner_name,
		                                      won, payout, profit, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PlayerID, r.RaceID, r.EntrantID, r.EntrantName,
		r.Odds.String(), r.Stake.String(), r.Multiplier.String(), r.FieldSize, r.WinnerName,
		r.Won, r.Payout.String(), r.Profit.String(), r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append match record %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListMatchRecords(ctx context.Context, playerID string, limit int) ([]model.MatchRecord, error) {
	// SQLite treats a negative LIMIT as no limit.
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, player_id, race_id, entrant_id, entrant_name,
		        odds, stake, multiplier, field_size, winner_name,
		        won, payout, profit, timestamp
		 FROM match_records WHERE player_id = ?
		 ORDER BY timestamp DESC LIMIT ?`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list match records %s: %w", playerID, err)
	}
	defer rows.Close()

	return scanMatchRecords(rows)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
