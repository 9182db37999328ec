package agent

import "sync"

// ChangeKind classifies a watched filesystem change.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeWritten
	ChangeRemoved
	ChangeRenamed
	// ChangeRescan asks the coordinator to distrust its incremental view
	// and walk the whole tree. Emitted after watch queue overflow.
	ChangeRescan
)

// Change is one observed filesystem change, paths relative to the root.
type Change struct {
	Kind   ChangeKind
	Rel    string
	NewRel string // set for ChangeRenamed
	IsDir  bool
}

// ChangeQueue is a bounded FIFO between the watcher and the coordinator.
// Overflow is remembered rather than blocking the watcher; the coordinator
// turns it into a full rescan.
type ChangeQueue struct {
	mu         sync.Mutex
	changes    []Change
	capacity   int
	overflowed bool
}

// NewChangeQueue returns a queue holding up to capacity changes.
func NewChangeQueue(capacity int) *ChangeQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChangeQueue{capacity: capacity}
}

// Push appends a change, recording overflow instead when full.
func (q *ChangeQueue) Push(change Change) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.changes) >= q.capacity {
		q.overflowed = true
		return
	}
	q.changes = append(q.changes, change)
}

// Drain removes and returns up to max changes. A remembered overflow is
// returned as a leading ChangeRescan and cleared.
func (q *ChangeQueue) Drain(max int) []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	var drained []Change
	if q.overflowed {
		q.overflowed = false
		drained = append(drained, Change{Kind: ChangeRescan})
	}
	n := max - len(drained)
	if n > len(q.changes) {
		n = len(q.changes)
	}
	if n > 0 {
		drained = append(drained, q.changes[:n]...)
		q.changes = append(q.changes[:0], q.changes[n:]...)
	}
	return drained
}

// Len reports the number of queued changes.
func (q *ChangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}
