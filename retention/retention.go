// Package retention bounds how long execution records live. Each user keeps
// at most a fixed number of records and nothing survives past the TTL.
// This store is the only component that deletes records.
package retention

import (
	"sort"
	"sync"
	"time"

	"github.com/trellis-labs/trellis/core"
)

const (
	// DefaultMaxPerUser caps records retained per user.
	DefaultMaxPerUser = 100

	// DefaultTTL evicts records regardless of per-user pressure.
	DefaultTTL = 24 * time.Hour
)

// Config tunes a Store.
type Config struct {
	MaxPerUser int
	TTL        time.Duration

	// OnEvict runs after a record leaves the store, outside the store lock.
	// The bus and input gate hook this to drop subscribers and pending
	// requests.
	OnEvict func(executionID string)
}

// Store is the in-memory retention store.
type Store struct {
	maxPerUser int
	ttl        time.Duration
	onEvict    func(string)
	now        func() time.Time

	mu     sync.Mutex
	byUser map[string]map[string]*core.Execution
	owner  map[string]string
}

// NewStore builds a store, filling in defaults for zero config values.
func NewStore(cfg Config) *Store {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Store{
		maxPerUser: cfg.MaxPerUser,
		ttl:        cfg.TTL,
		onEvict:    cfg.OnEvict,
		now:        time.Now,
		byUser:     make(map[string]map[string]*core.Execution),
		owner:      make(map[string]string),
	}
}

// Put inserts or replaces a record, then applies TTL and per-user bounds.
func (s *Store) Put(exec *core.Execution) {
	s.mu.Lock()
	userID := exec.UserID
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]*core.Execution)
	}
	s.byUser[userID][exec.ID] = exec
	s.owner[exec.ID] = userID

	evicted := s.sweepLocked()
	evicted = append(evicted, s.boundUserLocked(userID)...)
	s.mu.Unlock()

	s.notify(evicted)
}

// Get returns a snapshot of the record, applying the TTL sweep first.
func (s *Store) Get(executionID string) (*core.Execution, bool) {
	s.mu.Lock()
	evicted := s.sweepLocked()
	var found *core.Execution
	if userID, ok := s.owner[executionID]; ok {
		found = s.byUser[userID][executionID]
	}
	if found != nil {
		found = found.Clone()
	}
	s.mu.Unlock()

	s.notify(evicted)
	return found, found != nil
}

// ListByUser returns snapshots of a user's records, newest first.
func (s *Store) ListByUser(userID string) []*core.Execution {
	s.mu.Lock()
	evicted := s.sweepLocked()
	var out []*core.Execution
	for _, exec := range s.byUser[userID] {
		out = append(out, exec.Clone())
	}
	s.mu.Unlock()

	s.notify(evicted)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Remove deletes one record explicitly.
func (s *Store) Remove(executionID string) {
	s.mu.Lock()
	removed := s.removeLocked(executionID)
	s.mu.Unlock()
	if removed {
		s.notify([]string{executionID})
	}
}

// Len reports the total number of retained records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owner)
}

func (s *Store) removeLocked(executionID string) bool {
	userID, ok := s.owner[executionID]
	if !ok {
		return false
	}
	delete(s.owner, executionID)
	delete(s.byUser[userID], executionID)
	if len(s.byUser[userID]) == 0 {
		delete(s.byUser, userID)
	}
	return true
}

// sweepLocked evicts every record past the TTL, across all users.
func (s *Store) sweepLocked() []string {
	cutoff := s.now().Add(-s.ttl)
	var evicted []string
	for id, userID := range s.owner {
		exec := s.byUser[userID][id]
		if exec != nil && exec.CreatedAt.Before(cutoff) {
			s.removeLocked(id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// boundUserLocked evicts a user's oldest records until the cap holds.
func (s *Store) boundUserLocked(userID string) []string {
	records := s.byUser[userID]
	if len(records) <= s.maxPerUser {
		return nil
	}

	ordered := make([]*core.Execution, 0, len(records))
	for _, exec := range records {
		ordered = append(ordered, exec)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	var evicted []string
	for _, exec := range ordered {
		if len(s.byUser[userID]) <= s.maxPerUser {
			break
		}
		s.removeLocked(exec.ID)
		evicted = append(evicted, exec.ID)
	}
	return evicted
}

func (s *Store) notify(evicted []string) {
	if s.onEvict == nil {
		return
	}
	for _, id := range evicted {
		s.onEvict(id)
	}
}
