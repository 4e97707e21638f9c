package clock

import (
	"sort"
	"strings"
	"sync"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
)

// VectorClock maps each origin replica to the highest sequence number seen from it.
// Origins that were never recorded read as NullSeq.
type VectorClock struct {
	mu      sync.RWMutex
	entries map[model.ReplicaID]int64
}

// NewVectorClock creates a clock with an all-NullSeq entry for every participant
func NewVectorClock(participants []model.ReplicaID) *VectorClock {
	entries := make(map[model.ReplicaID]int64, len(participants))
	for _, id := range participants {
		entries[id] = model.NullSeq
	}
	return &VectorClock{entries: entries}
}

// FromSnapshot builds a clock from its wire form
func FromSnapshot(snapshot model.VectorSnapshot) *VectorClock {
	entries := make(map[model.ReplicaID]int64, len(snapshot))
	for id, seq := range snapshot {
		entries[id] = seq
	}
	return &VectorClock{entries: entries}
}

// Get returns the latest timestamp seen from origin
func (vc *VectorClock) Get(origin model.ReplicaID) model.Timestamp {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	seq, ok := vc.entries[origin]
	if !ok {
		return model.NullTimestamp(origin)
	}
	return model.NewTimestamp(origin, seq)
}

// Covers reports whether ts is at or below the entry for its origin
func (vc *VectorClock) Covers(ts model.Timestamp) bool {
	return vc.Get(ts.Origin).Seq >= ts.Seq
}

// Advance moves the entry for ts.Origin to ts if ts is strictly newer.
// Returns true if the entry changed.
func (vc *VectorClock) Advance(ts model.Timestamp) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	current, ok := vc.entries[ts.Origin]
	if !ok {
		current = model.NullSeq
	}
	if ts.Seq <= current {
		return false
	}
	vc.entries[ts.Origin] = ts.Seq
	return true
}

// MergeMax raises every entry to the maximum of both clocks.
// Origins known only to other are adopted.
func (vc *VectorClock) MergeMax(other *VectorClock) {
	if other == nil {
		return
	}
	theirs := other.Snapshot()

	vc.mu.Lock()
	defer vc.mu.Unlock()

	for id, seq := range theirs {
		if current, ok := vc.entries[id]; !ok || seq > current {
			vc.entries[id] = seq
		}
	}
}

// MergeMin lowers every shared entry to the minimum of both clocks.
// Origins known only to other are adopted with other's value.
func (vc *VectorClock) MergeMin(other *VectorClock) {
	if other == nil {
		return
	}
	theirs := other.Snapshot()

	vc.mu.Lock()
	defer vc.mu.Unlock()

	for id, seq := range theirs {
		if current, ok := vc.entries[id]; !ok || seq < current {
			vc.entries[id] = seq
		}
	}
}

// Clone returns an independent deep copy
func (vc *VectorClock) Clone() *VectorClock {
	return FromSnapshot(vc.Snapshot())
}

// Snapshot returns the wire form of the clock
func (vc *VectorClock) Snapshot() model.VectorSnapshot {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	out := make(model.VectorSnapshot, len(vc.entries))
	for id, seq := range vc.entries {
		out[id] = seq
	}
	return out
}

// Origins returns the known origins in sorted order
func (vc *VectorClock) Origins() []model.ReplicaID {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	ids := make([]model.ReplicaID, 0, len(vc.entries))
	for id := range vc.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of known origins
func (vc *VectorClock) Len() int {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return len(vc.entries)
}

// Equal compares the full entry maps
func (vc *VectorClock) Equal(other *VectorClock) bool {
	if other == nil {
		return false
	}
	mine := vc.Snapshot()
	theirs := other.Snapshot()
	if len(mine) != len(theirs) {
		return false
	}
	for id, seq := range mine {
		if s, ok := theirs[id]; !ok || s != seq {
			return false
		}
	}
	return true
}

func (vc *VectorClock) String() string {
	snapshot := vc.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(model.NewTimestamp(id, snapshot[id]).String())
	}
	b.WriteByte('}')
	return b.String()
}
