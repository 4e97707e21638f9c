// Package oplog implements the replicated operation log: one ordered buffer of
// operations per origin replica, with delta queries against a vector clock and
// purging against an acknowledgment matrix.
package oplog

import (
	"sort"
	"sync"

	"github.com/bastiqui/TSAE75644-2024/internal/clock"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
)

// Log stores operations per origin in strictly increasing seq order.
//
// The tail of an origin is the highest seq ever inserted for it. It survives
// purges, so a replayed operation that was already purged is still rejected.
type Log struct {
	mu      sync.RWMutex
	entries map[model.ReplicaID][]model.Operation
	tails   map[model.ReplicaID]int64
}

// New creates an empty log with a bucket for every participant
func New(participants []model.ReplicaID) *Log {
	l := &Log{
		entries: make(map[model.ReplicaID][]model.Operation, len(participants)),
		tails:   make(map[model.ReplicaID]int64, len(participants)),
	}
	for _, id := range participants {
		l.entries[id] = nil
		l.tails[id] = model.NullSeq
	}
	return l
}

// Insert appends op to its origin's bucket. It returns false, leaving the log
// unchanged, when op is not strictly newer than the origin's tail: duplicates
// and out-of-order operations are rejected. Gaps are accepted.
func (l *Log) Insert(op model.Operation) bool {
	if op == nil {
		return false
	}
	ts := op.Timestamp()
	if ts.IsNull() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tail, ok := l.tails[ts.Origin]
	if !ok {
		tail = model.NullSeq
	}
	if ts.Seq <= tail {
		return false
	}

	l.entries[ts.Origin] = append(l.entries[ts.Origin], op)
	l.tails[ts.Origin] = ts.Seq
	return true
}

// Delta returns, for every origin, the operations newer than vc's entry for it.
// Operations of one origin are in seq order; origins are concatenated in
// sorted id order, which carries no meaning.
func (l *Log) Delta(vc *clock.VectorClock) []model.Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var delta []model.Operation
	for _, origin := range l.originsLocked() {
		ops := l.entries[origin]
		seen := model.NullSeq
		if vc != nil {
			seen = vc.Get(origin).Seq
		}
		i := sort.Search(len(ops), func(i int) bool {
			return ops[i].Timestamp().Seq > seen
		})
		delta = append(delta, ops[i:]...)
	}
	return delta
}

// Purge removes every operation acknowledged by all replicas in ack.
// Returns the number of operations removed.
func (l *Log) Purge(ack *clock.AckMatrix) int {
	return l.PurgeTo(ack.MinVector())
}

// PurgeTo removes, per origin, every operation at or below frontier's entry
func (l *Log) PurgeTo(frontier *clock.VectorClock) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for origin, ops := range l.entries {
		limit := frontier.Get(origin).Seq
		i := sort.Search(len(ops), func(i int) bool {
			return ops[i].Timestamp().Seq > limit
		})
		if i == 0 {
			continue
		}
		removed += i
		kept := make([]model.Operation, len(ops)-i)
		copy(kept, ops[i:])
		l.entries[origin] = kept
	}
	return removed
}

// Contains reports whether an operation stamped ts is currently buffered
func (l *Log) Contains(ts model.Timestamp) bool {
	_, ok := l.Get(ts)
	return ok
}

// Get returns the buffered operation stamped ts
func (l *Log) Get(ts model.Timestamp) (model.Operation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ops := l.entries[ts.Origin]
	i := sort.Search(len(ops), func(i int) bool {
		return ops[i].Timestamp().Seq >= ts.Seq
	})
	if i < len(ops) && ops[i].Timestamp().Equal(ts) {
		return ops[i], true
	}
	return nil, false
}

// TimestampOf returns the timestamp an operation is stored under
func (l *Log) TimestampOf(op model.Operation) model.Timestamp {
	return op.Timestamp()
}

// Tail returns the highest timestamp ever inserted for origin
func (l *Log) Tail(origin model.ReplicaID) model.Timestamp {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tail, ok := l.tails[origin]
	if !ok {
		return model.NullTimestamp(origin)
	}
	return model.NewTimestamp(origin, tail)
}

// Len returns the number of buffered operations
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, ops := range l.entries {
		n += len(ops)
	}
	return n
}

// Operations returns every buffered operation, grouped by origin
func (l *Log) Operations() []model.Operation {
	return l.Delta(nil)
}

func (l *Log) originsLocked() []model.ReplicaID {
	ids := make([]model.ReplicaID, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
