package retention

import (
	"fmt"
	"testing"
	"time"

	"github.com/trellis-labs/trellis/core"
)

func record(id, user string, createdAt time.Time) *core.Execution {
	return &core.Execution{
		ID:        id,
		UserID:    user,
		Status:    core.StatusCompleted,
		CreatedAt: createdAt,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := NewStore(Config{})
	now := time.Now()
	s.Put(record("exec_1", "u", now))

	got, ok := s.Get("exec_1")
	if !ok {
		t.Fatal("record missing")
	}
	if got.ID != "exec_1" || got.UserID != "u" {
		t.Errorf("got %+v", got)
	}

	// Snapshots are independent of the stored record.
	got.Status = core.StatusFailed
	again, _ := s.Get("exec_1")
	if again.Status != core.StatusCompleted {
		t.Error("mutation of a snapshot leaked into the store")
	}
}

func TestStore_PerUserCapEvictsOldest(t *testing.T) {
	var evicted []string
	s := NewStore(Config{MaxPerUser: 3, OnEvict: func(id string) { evicted = append(evicted, id) }})

	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Put(record(fmt.Sprintf("exec_%d", i), "u", base.Add(time.Duration(i)*time.Second)))
	}

	if s.Len() != 3 {
		t.Errorf("len = %d, want 3", s.Len())
	}
	for _, id := range []string{"exec_0", "exec_1"} {
		if _, ok := s.Get(id); ok {
			t.Errorf("%s should have been evicted", id)
		}
	}
	if _, ok := s.Get("exec_4"); !ok {
		t.Error("newest record must survive")
	}
	if len(evicted) != 2 {
		t.Errorf("evict callbacks = %v, want the two oldest", evicted)
	}
}

func TestStore_CapIsPerUser(t *testing.T) {
	s := NewStore(Config{MaxPerUser: 2})
	base := time.Now()
	for i := 0; i < 2; i++ {
		s.Put(record(fmt.Sprintf("a_%d", i), "alice", base))
		s.Put(record(fmt.Sprintf("b_%d", i), "bob", base))
	}
	if s.Len() != 4 {
		t.Errorf("len = %d, want 4 across two users", s.Len())
	}
}

func TestStore_TTLEvictsOnLookup(t *testing.T) {
	var evicted []string
	s := NewStore(Config{TTL: time.Hour, OnEvict: func(id string) { evicted = append(evicted, id) }})

	now := time.Now()
	s.now = func() time.Time { return now }
	s.Put(record("old", "u", now.Add(-2*time.Hour)))
	s.Put(record("fresh", "u", now))

	if _, ok := s.Get("old"); ok {
		t.Error("expired record must not be returned")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh record must survive")
	}
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("evicted = %v", evicted)
	}
}

func TestStore_TTLSweepsOtherUsersOnInsert(t *testing.T) {
	s := NewStore(Config{TTL: time.Hour})
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Put(record("stale", "alice", now.Add(-3*time.Hour)))
	s.Put(record("new", "bob", now))

	if s.Len() != 1 {
		t.Errorf("len = %d, want only bob's record", s.Len())
	}
}

func TestStore_ListByUserNewestFirst(t *testing.T) {
	s := NewStore(Config{})
	base := time.Now()
	s.Put(record("first", "u", base))
	s.Put(record("second", "u", base.Add(time.Second)))

	list := s.ListByUser("u")
	if len(list) != 2 || list[0].ID != "second" || list[1].ID != "first" {
		t.Errorf("list = %v", []string{list[0].ID, list[1].ID})
	}
}

func TestStore_Remove(t *testing.T) {
	called := 0
	s := NewStore(Config{OnEvict: func(string) { called++ }})
	s.Put(record("exec_1", "u", time.Now()))

	s.Remove("exec_1")
	if _, ok := s.Get("exec_1"); ok {
		t.Error("record should be gone")
	}
	if called != 1 {
		t.Errorf("evict callback ran %d times, want 1", called)
	}

	// Removing an unknown id is a no-op.
	s.Remove("ghost")
	if called != 1 {
		t.Error("no callback for unknown id")
	}
}
