package model

import (
	"fmt"
	"strings"
)

// ReplicaID identifies a participant of the replication group
type ReplicaID = string

// NullSeq marks "nothing seen from this origin". Real sequence numbers start at 1.
const NullSeq int64 = -1

// Timestamp is a logical clock value produced by a single origin replica
type Timestamp struct {
	Origin ReplicaID `json:"origin"`
	Seq    int64     `json:"seq"`
}

// NewTimestamp creates a timestamp for origin with the given sequence number
func NewTimestamp(origin ReplicaID, seq int64) Timestamp {
	return Timestamp{Origin: origin, Seq: seq}
}

// NullTimestamp returns the "nothing seen" timestamp for origin
func NullTimestamp(origin ReplicaID) Timestamp {
	return Timestamp{Origin: origin, Seq: NullSeq}
}

// IsNull reports whether ts carries the NullSeq sentinel
func (ts Timestamp) IsNull() bool {
	return ts.Seq == NullSeq
}

// Compare orders two timestamps.
// Returns: -1 (ts < other), 0 (equal), 1 (ts > other)
//
// Only same-origin comparisons carry protocol meaning. Across origins the
// order is lexicographic on origin and then on seq, which keeps the relation
// total for sorting but says nothing about causality.
func (ts Timestamp) Compare(other Timestamp) int {
	if ts.Origin != other.Origin {
		return strings.Compare(ts.Origin, other.Origin)
	}
	switch {
	case ts.Seq < other.Seq:
		return -1
	case ts.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// After reports whether ts is strictly newer than other
func (ts Timestamp) After(other Timestamp) bool {
	return ts.Compare(other) > 0
}

// Newer orders timestamps of any origin by seq, then by origin. Seqs are
// Lamport counters, so an operation is Newer than every operation its replica
// had applied when issuing it. Recipe conflicts are decided by this order.
func (ts Timestamp) Newer(other Timestamp) bool {
	if ts.Seq != other.Seq {
		return ts.Seq > other.Seq
	}
	return ts.Origin > other.Origin
}

// Equal requires both origin and seq to match
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.Origin == other.Origin && ts.Seq == other.Seq
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%s:%d", ts.Origin, ts.Seq)
}
