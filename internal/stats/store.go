package stats

import (
	"sort"
	"sync"

	"github.com/pingsantohq/monitor/pkg/types"
)

// Lease identifies the registration a probe task writes through. A lease is
// invalidated when its entry is removed, cleared, or registered again.
type Lease struct {
	Target string
	id     uint64
}

type entry struct {
	stat  types.PingStat
	owner uint64
}

// Store is the single source of truth for per-target statistics.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	nextID  uint64
}

func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Register creates a zeroed entry for target and returns the lease that owns it.
func (s *Store) Register(target string) Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries[target] = entry{
		stat:  types.PingStat{Target: target},
		owner: s.nextID,
	}
	return Lease{Target: target, id: s.nextID}
}

// Commit replaces the entry held by lease. It reports false when the lease is
// no longer current, in which case nothing is written.
func (s *Store) Commit(lease Lease, stat types.PingStat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[lease.Target]
	if !ok || cur.owner != lease.id {
		return false
	}
	stat.Target = lease.Target
	s.entries[lease.Target] = entry{stat: stat, owner: cur.owner}
	return true
}

// Upsert replaces the entry for stat.Target unconditionally, keeping any lease.
func (s *Store) Upsert(stat types.PingStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.entries[stat.Target]
	s.entries[stat.Target] = entry{stat: stat, owner: cur.owner}
}

func (s *Store) Remove(target string) {
	s.mu.Lock()
	delete(s.entries, target)
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}

func (s *Store) Get(target string) (types.PingStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[target]
	return e.stat, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns a copy of every entry sorted by target.
func (s *Store) Snapshot() []types.PingStat {
	s.mu.Lock()
	out := make([]types.PingStat, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.stat)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Target < out[j].Target
	})
	return out
}

// Targets returns the tracked targets in sorted order.
func (s *Store) Targets() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.entries))
	for target := range s.entries {
		out = append(out, target)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
