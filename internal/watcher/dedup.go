package watcher

import "sync"

// defaultSeenCap bounds the in-process dedup set. The persistent cache
// is the long-term source of truth; this set only has to cover the ids
// a few poll cycles can produce, so 10k is generous.
const defaultSeenCap = 10000

// seenSet is a bounded insertion-order set of processed message ids.
// When the cap is reached the oldest id is evicted. Safe for concurrent
// use.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	ids   map[string]struct{}
	order []string // ring buffer of insertion order
	head  int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCap
	}
	return &seenSet{
		cap:   capacity,
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
	}
}

// Contains reports whether id was recorded and not yet evicted.
func (s *seenSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Add records id, evicting the oldest entry at capacity. Adding an
// existing id is a no-op (its position is not refreshed).
func (s *seenSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return
	}

	if len(s.order) < s.cap {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.head])
		s.order[s.head] = id
		s.head = (s.head + 1) % s.cap
	}
	s.ids[id] = struct{}{}
}

// Len returns the current number of tracked ids.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
