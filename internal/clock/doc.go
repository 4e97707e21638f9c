// Package clock provides the vector clock and acknowledgment matrix used by
// anti-entropy sessions. A VectorClock records, per origin replica, the highest
// sequence number seen. An AckMatrix keeps one VectorClock per replica and
// yields the purge frontier: the entrywise minimum every replica has seen.
//
// Both types are safe for concurrent use. Merges only move entries forward
// (MergeMin only backward), so applying them repeatedly or out of order never
// corrupts state.
package clock
