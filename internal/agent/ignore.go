package agent

import "sync"

// EventIgnoreSet suppresses the watcher echo of the agent's own writes.
// Each expectation is one-shot: applying a downloaded file arms the path
// once, the resulting filesystem event consumes it, and any later event
// on the same path is treated as a real local change.
type EventIgnoreSet struct {
	mu      sync.Mutex
	pending map[string]int
}

// NewEventIgnoreSet returns an empty set.
func NewEventIgnoreSet() *EventIgnoreSet {
	return &EventIgnoreSet{pending: map[string]int{}}
}

// Expect arms one suppression for rel.
func (s *EventIgnoreSet) Expect(rel string) {
	s.mu.Lock()
	s.pending[rel]++
	s.mu.Unlock()
}

// Consume reports whether an expectation was armed for rel, disarming one
// if so.
func (s *EventIgnoreSet) Consume(rel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending[rel]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(s.pending, rel)
	} else {
		s.pending[rel] = n - 1
	}
	return true
}
