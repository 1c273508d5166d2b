package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/horsepicks/race-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, accountKey(a.PlayerID), a)
	return nil
}

func (s *CachedStore) ApplyAccountDelta(ctx context.Context, opID, playerID string, d model.AccountDelta) error {
	if err := s.primary.ApplyAccountDelta(ctx, opID, playerID, d); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, accountKey(playerID))
	return nil
}

func (s *CachedStore) UpdateUsername(ctx context.Context, playerID, username string) error {
	if err := s.primary.UpdateUsername(ctx, playerID, username); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(playerID))
	return nil
}

func (s *CachedStore) ApplyEntrantStatsDelta(ctx context.Context, opID, name string, d model.EntrantStatsDelta) error {
	if err := s.primary.ApplyEntrantStatsDelta(ctx, opID, name, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, entrantKey(name))
	return nil
}

func (s *CachedStore) AppendMatchRecord(ctx context.Context, r *model.MatchRecord) error {
	if err := s.primary.AppendMatchRecord(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyKey(r.PlayerID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, playerID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(playerID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, playerID)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, accountKey(playerID), a)
	return a, nil
}

// GetEntrantStats serves cached names with one MGET and reads the rest
// from the primary.
func (s *CachedStore) GetEntrantStats(ctx context.Context, names []string) (map[string]model.EntrantStats, error) {
	out := make(map[string]model.EntrantStats, len(names))
	if len(names) == 0 {
		return out, nil
	}

	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = entrantKey(n)
	}

	var missing []string
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		missing = names
	} else {
		for i, v := range vals {
			str, ok := v.(string)
			var st model.EntrantStats
			if !ok || json.Unmarshal([]byte(str), &st) != nil {
				missing = append(missing, names[i])
				continue
			}
			out[names[i]] = st
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := s.primary.GetEntrantStats(ctx, missing)
	if err != nil {
		return nil, err
	}
	for name, st := range fresh {
		out[name] = st
		s.cacheJSON(ctx, entrantKey(name), st)
	}
	return out, nil
}

func (s *CachedStore) ListMatchRecords(ctx context.Context, playerID string, limit int) ([]model.MatchRecord, error) {
	key := historyKey(playerID)
	field := fmt.Sprint(limit)

	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var records []model.MatchRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	records, err := s.primary.ListMatchRecords(ctx, playerID, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(records); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return records, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func entrantKey(name string) string { return fmt.Sprintf("entrant_stats:%s", name) }
func historyKey(id string) string { return fmt.Sprintf("history:%s", id) }
