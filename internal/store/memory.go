package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/horsepicks/race-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing,
// development, and as the fallback when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	stats    map[string]*model.EntrantStats
	history  []model.MatchRecord
	records  map[string]struct{}
	applied  map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		stats:    make(map[string]*model.EntrantStats),
		records:  make(map[string]struct{}),
		applied:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.PlayerID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.PlayerID)
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.PlayerID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, playerID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[playerID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", playerID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

// seen reports whether opID was already applied. Callers hold s.mu.
func (s *MemoryStore) seen(opID string) bool {
	if opID == "" {
		return false
	}
	_, ok := s.applied[opID]
	return ok
}

func (s *MemoryStore) markApplied(opID string) {
	if opID != "" {
		s.applied[opID] = struct{}{}
	}
}

func (s *MemoryStore) ApplyAccountDelta(_ context.Context, opID, playerID string, delta model.AccountDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen(opID) {
		return nil
	}
	a, ok := s.accounts[playerID]
	if !ok {
		return fmt.Errorf("account %s: %w", playerID, ErrNotFound)
	}
	*a = a.Apply(delta)
	s.markApplied(opID)
	return nil
}

func (s *MemoryStore) UpdateUsername(_ context.Context, playerID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[playerID]
	if !ok {
		return fmt.Errorf("account %s: %w", playerID, ErrNotFound)
	}
	a.Username = username
	return nil
}

func (s *MemoryStore) GetEntrantStats(_ context.Context, names []string) (map[string]model.EntrantStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.EntrantStats, len(names))
	for _, name := range names {
		if st, ok := s.stats[name]; ok {
			out[name] = *st
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyEntrantStatsDelta(_ context.Context, opID, name string, delta model.EntrantStatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen(opID) {
		return nil
	}
	st, ok := s.stats[name]
	if !ok {
		st = &model.EntrantStats{Name: name}
		s.stats[name] = st
	}
	*st = st.Apply(delta)
	s.markApplied(opID)
	return nil
}

func (s *MemoryStore) AppendMatchRecord(_ context.Context, record *model.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return nil
	}
	s.records[record.ID] = struct{}{}
	s.history = append(s.history, *record)
	return nil
}

func (s *MemoryStore) ListMatchRecords(_ context.Context, playerID string, limit int) ([]model.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.MatchRecord{}
	// Appended in settlement order, so walk backwards for most recent first.
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].PlayerID != playerID {
			continue
		}
		result = append(result, s.history[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
