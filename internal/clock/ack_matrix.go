package clock

import (
	"sort"
	"sync"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
)

// AckMatrix holds the last known vector clock of every replica.
// Row r is what this replica believes r has seen.
type AckMatrix struct {
	mu   sync.RWMutex
	rows map[model.ReplicaID]*VectorClock
}

// NewAckMatrix creates one all-NullSeq row per participant, each covering all participants
func NewAckMatrix(participants []model.ReplicaID) *AckMatrix {
	rows := make(map[model.ReplicaID]*VectorClock, len(participants))
	for _, id := range participants {
		rows[id] = NewVectorClock(participants)
	}
	return &AckMatrix{rows: rows}
}

// FromAckSnapshot builds a matrix from its wire form
func FromAckSnapshot(snapshot model.AckSnapshot) *AckMatrix {
	rows := make(map[model.ReplicaID]*VectorClock, len(snapshot))
	for id, row := range snapshot {
		rows[id] = FromSnapshot(row)
	}
	return &AckMatrix{rows: rows}
}

// Row returns a copy of the row for id, or nil if id is unknown
func (m *AckMatrix) Row(id model.ReplicaID) *VectorClock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[id]
	if !ok {
		return nil
	}
	return row.Clone()
}

// SetRow replaces the row for id with a copy of vc
func (m *AckMatrix) SetRow(id model.ReplicaID, vc *VectorClock) {
	row := vc.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = row
}

// MergeMax merges other into m row by row, entrywise maximum.
// Rows present only in other are added.
func (m *AckMatrix) MergeMax(other *AckMatrix) {
	if other == nil {
		return
	}
	theirs := other.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, snapshot := range theirs {
		incoming := FromSnapshot(snapshot)
		if row, ok := m.rows[id]; ok {
			row.MergeMax(incoming)
			continue
		}
		m.rows[id] = incoming
	}
}

// MinVector returns the purge frontier: for every origin known to any row,
// the lowest sequence number across all rows. A row lacking an origin counts
// as NullSeq for it. An empty matrix yields an empty vector, whose Get
// returns NullSeq for every origin.
func (m *AckMatrix) MinVector() *VectorClock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make([]model.VectorSnapshot, 0, len(m.rows))
	origins := make(map[model.ReplicaID]struct{})
	for _, row := range m.rows {
		s := row.Snapshot()
		snapshots = append(snapshots, s)
		for id := range s {
			origins[id] = struct{}{}
		}
	}

	frontier := make(model.VectorSnapshot, len(origins))
	for id := range origins {
		lowest := int64(0)
		for i, s := range snapshots {
			seq, ok := s[id]
			if !ok {
				seq = model.NullSeq
			}
			if i == 0 || seq < lowest {
				lowest = seq
			}
		}
		frontier[id] = lowest
	}
	return FromSnapshot(frontier)
}

// Clone returns a deep copy of every row
func (m *AckMatrix) Clone() *AckMatrix {
	return FromAckSnapshot(m.Snapshot())
}

// Snapshot returns the wire form of the matrix
func (m *AckMatrix) Snapshot() model.AckSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(model.AckSnapshot, len(m.rows))
	for id, row := range m.rows {
		out[id] = row.Snapshot()
	}
	return out
}

// Replicas returns the row ids in sorted order
func (m *AckMatrix) Replicas() []model.ReplicaID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]model.ReplicaID, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal compares every row
func (m *AckMatrix) Equal(other *AckMatrix) bool {
	if other == nil {
		return false
	}
	mine := m.Snapshot()
	theirs := other.Snapshot()
	if len(mine) != len(theirs) {
		return false
	}
	for id, row := range mine {
		peer, ok := theirs[id]
		if !ok || !FromSnapshot(row).Equal(FromSnapshot(peer)) {
			return false
		}
	}
	return true
}
