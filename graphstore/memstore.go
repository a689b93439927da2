// Package graphstore persists execution snapshots for analytics. The engine
// records each execution exactly once at terminal status; stores index the
// snapshots by user and by structure hash so runs of the same graph group
// together.
package graphstore

import (
	"context"
	"sync"

	"github.com/trellis-labs/trellis/core"
)

// MemStore keeps snapshots in memory. Suitable for tests and single-process
// deployments that do not need durability.
type MemStore struct {
	mu    sync.RWMutex
	snaps []core.ExecutionSnapshot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Record appends a snapshot.
func (s *MemStore) Record(_ context.Context, snap core.ExecutionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

// ByUser returns the snapshots recorded for a user, oldest first.
func (s *MemStore) ByUser(_ context.Context, userID string) ([]core.ExecutionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ExecutionSnapshot
	for _, snap := range s.snaps {
		if snap.UserID == userID {
			out = append(out, snap)
		}
	}
	return out, nil
}

// ByStructure returns the snapshots sharing a structure hash, oldest first.
func (s *MemStore) ByStructure(_ context.Context, structureHash string) ([]core.ExecutionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ExecutionSnapshot
	for _, snap := range s.snaps {
		if snap.Identity.StructureHash == structureHash {
			out = append(out, snap)
		}
	}
	return out, nil
}

var _ core.GraphStore = (*MemStore)(nil)
