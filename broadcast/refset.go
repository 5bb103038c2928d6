package broadcast

import (
	"slices"
	"sync"
)

// RefSet is the set of module ids known to be imported dynamically.
type RefSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewRefSet() *RefSet {
	return &RefSet{ids: make(map[string]struct{})}
}

// Add inserts id and reports whether it was new.
func (s *RefSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *RefSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *RefSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Snapshot returns the ids in sorted order.
func (s *RefSet) Snapshot() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.RUnlock()

	slices.Sort(out)
	return out
}
