package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/horsepicks/race-engine/internal/model"
)

// PostgresSchema creates the tables PostgresStore uses. Safe to run on
// every start.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	player_id    TEXT PRIMARY KEY,
	username     TEXT NOT NULL,
	balance      NUMERIC NOT NULL DEFAULT 0,
	total_games  BIGINT NOT NULL DEFAULT 0,
	total_wins   BIGINT NOT NULL DEFAULT 0,
	total_losses BIGINT NOT NULL DEFAULT 0,
	total_profit NUMERIC NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entrant_stats (
	name         TEXT PRIMARY KEY,
	total_games  BIGINT NOT NULL DEFAULT 0,
	total_wins   BIGINT NOT NULL DEFAULT 0,
	total_losses BIGINT NOT NULL DEFAULT 0,
	total_payout NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS match_records (
	id           TEXT PRIMARY KEY,
	player_id    TEXT NOT NULL,
	race_id      TEXT NOT NULL,
	entrant_id   INTEGER NOT NULL,
	entrant_name TEXT NOT NULL,
	odds         NUMERIC NOT NULL,
	stake        NUMERIC NOT NULL,
	multiplier   NUMERIC NOT NULL,
	field_size   INTEGER NOT NULL,
	winner_name  TEXT NOT NULL,
	won          BOOLEAN NOT NULL,
	payout       NUMERIC NOT NULL,
	profit       NUMERIC NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS match_records_player_ts ON match_records (player_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS applied_ops (
	op_id      TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (player_id, username, balance, total_games, total_wins, total_losses, total_profit, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8)
		 ON CONFLICT (player_id) DO NOTHING`,
		a.PlayerID, a.Username, a.Balance.String(),
		a.TotalGames, a.TotalWins, a.TotalLosses, a.TotalProfit.String(),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.PlayerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.PlayerID)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, playerID string) (*model.Account, error) {
	var a model.Account
	var balance, profit string

	err := s.pool.QueryRow(ctx,
		`SELECT player_id, username, balance::TEXT,
		        total_games, total_wins, total_losses, total_profit::TEXT,
		        created_at
		 FROM accounts WHERE player_id = $1`, playerID).
		Scan(&a.PlayerID, &a.Username, &balance,
			&a.TotalGames, &a.TotalWins, &a.TotalLosses, &profit,
			&a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", playerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", playerID, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	a.TotalProfit, _ = decimal.NewFromString(profit)

	return &a, nil
}

// claimOp records opID inside tx. It reports false when the op was
// already applied, in which case the caller skips its increment.
func claimOp(ctx context.Context, tx pgx.Tx, opID string) (bool, error) {
	if opID == "" {
		return true, nil
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO applied_ops (op_id) VALUES ($1) ON CONFLICT (op_id) DO NOTHING`, opID)
	if err != nil {
		return false, fmt.Errorf("claim op %s: %w", opID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyAccountDelta increments in place (col = col + $n) so concurrent
// deltas for the same player compose. The op claim and the increment
// commit together.
func (s *PostgresStore) ApplyAccountDelta(ctx context.Context, opID, playerID string, d model.AccountDelta) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		fresh, err := claimOp(ctx, tx, opID)
		if err != nil || !fresh {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE accounts
			 SET balance      = balance + $2::NUMERIC,
			     total_games  = total_games + $3,
			     total_wins   = total_wins + $4,
			     total_losses = total_losses + $5,
			     total_profit = total_profit + $6::NUMERIC
			 WHERE player_id = $1`,
			playerID, d.Balance.String(), d.Games, d.Wins, d.Losses, d.Profit.String(),
		)
		if err != nil {
			return fmt.Errorf("apply account delta %s: %w", playerID, err)
		}
		// Rolling back also releases the claim.
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %s: %w", playerID, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateUsername(ctx context.Context, playerID, username string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET username = $2 WHERE player_id = $1`, playerID, username)
	if err != nil {
		return fmt.Errorf("update username %s: %w", playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", playerID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetEntrantStats(ctx context.Context, names []string) (map[string]model.EntrantStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, total_games, total_wins, total_losses, total_payout::TEXT
		 FROM entrant_stats WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, fmt.Errorf("get entrant stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.EntrantStats, len(names))
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

func (s *PostgresStore) ApplyEntrantStatsDelta(ctx context.Context, opID, name string, d model.EntrantStatsDelta) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		fresh, err := claimOp(ctx, tx, opID)
		if err != nil || !fresh {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO entrant_stats (name, total_games, total_wins, total_losses, total_payout)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC)
			 ON CONFLICT (name) DO UPDATE
			 SET total_games  = entrant_stats.total_games + EXCLUDED.total_games,
			     total_wins   = entrant_stats.total_wins + EXCLUDED.total_wins,
			     total_losses = entrant_stats.total_losses + EXCLUDED.total_losses,
			     total_payout = entrant_stats.total_payout + EXCLUDED.total_payout`,
			name, d.Games, d.Wins, d.Losses, d.Payout.String(),
		)
		if err != nil {
			return fmt.Errorf("apply entrant stats delta %s: %w", name, err)
		}
		return nil
	})
}

func (s *PostgresStore) AppendMatchRecord(ctx context.Context, r *model.MatchRecord) error {
	// ON CONFLICT makes a retried append a no-op.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO match_records (id, player_id, race_id, entrant_id, entrant_name,
		                            odds, stake, multiplier, field_size, winner_name,
		                            won, payout, profit, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12::NUMERIC, $13::NUMERIC, $14)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.PlayerID, r.RaceID, r.EntrantID, r.EntrantName,
		r.Odds.String(), r.Stake.String(), r.Multiplier.String(), r.FieldSize, r.WinnerName,
		r.Won, r.Payout.String(), r.Profit.String(), r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append match record %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListMatchRecords(ctx context.Context, playerID string, limit int) ([]model.MatchRecord, error) {
	// LIMIT NULL means no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, player_id, race_id, entrant_id, entrant_name,
		        odds::TEXT, stake::TEXT, multiplier::TEXT, field_size, winner_name,
		        won, payout::TEXT, profit::TEXT, timestamp
		 FROM match_records WHERE player_id = $1
		 ORDER BY timestamp DESC LIMIT $2`, playerID, lim)
	if err != nil {
		return nil, fmt.Errorf("list match records %s: %w", playerID, err)
	}
	defer rows.Close()

	return scanMatchRecords(rows)
}

// rowScanner is satisfied by both pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMatchRecords(rows rowScanner) ([]model.MatchRecord, error) {
	records := []model.MatchRecord{}
	for rows.Next() {
		var r model.MatchRecord
		var oddsS, stakeS, multS, payoutS, profitS string

		if err := rows.Scan(&r.ID, &r.PlayerID, &r.RaceID, &r.EntrantID, &r.EntrantName,
			&oddsS, &stakeS, &multS, &r.FieldSize, &r.WinnerName,
			&r.Won, &payoutS, &profitS, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Odds, _ = decimal.NewFromString(oddsS)
		r.Stake, _ = decimal.NewFromString(stakeS)
		r.Multiplier, _ = decimal.NewFromString(multS)
		r.Payout, _ = decimal.NewFromString(payoutS)
		r.Profit, _ = decimal.NewFromString(profitS)

		records = append(records, r)
	}
	return records, rows.Err()
}
