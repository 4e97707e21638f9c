// Package tombstones records removed recipes so that a late Add for a removed
// recipe cannot bring it back.
package tombstones

import (
	"sort"
	"sync"

	"github.com/bastiqui/TSAE75644-2024/internal/clock"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
)

// Tombstone marks the recipe created at RecipeTimestamp as removed by the
// operation stamped RemovedAt
type Tombstone struct {
	Title           string          `json:"title"`
	RecipeTimestamp model.Timestamp `json:"recipe_timestamp"`
	RemovedAt       model.Timestamp `json:"removed_at"`
}

// Set is keyed by the removed recipe's timestamp
type Set struct {
	mu      sync.RWMutex
	entries map[model.Timestamp]Tombstone
}

// New creates an empty tombstone set
func New() *Set {
	return &Set{entries: make(map[model.Timestamp]Tombstone)}
}

// Record adds a tombstone. Returns false if one already exists for the recipe.
func (s *Set) Record(t Tombstone) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[t.RecipeTimestamp]; exists {
		return false
	}
	s.entries[t.RecipeTimestamp] = t
	return true
}

// Contains reports whether the recipe created at ts has been removed
func (s *Set) Contains(ts model.Timestamp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.entries[ts]
	return exists
}

// Shadows reports whether a removed recipe of title is Newer than ts. An add
// at ts would have lost to that recipe, so it must not reappear.
func (s *Set) Shadows(title string, ts model.Timestamp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.entries {
		if t.Title == title && t.RecipeTimestamp.Newer(ts) {
			return true
		}
	}
	return false
}

// PurgeStable drops the tombstones that can no longer decide an add. frontier
// must cover the removal and the recipe, and seen must hold every operation
// that could still lose to the recipe: for each replica, those it issued
// before it observed the removal. ack rows tell how far that goes.
// Returns the number dropped.
func (s *Set) PurgeStable(frontier, seen *clock.VectorClock, ack *clock.AckMatrix) int {
	replicas := ack.Replicas()
	rows := make(map[model.ReplicaID]*clock.VectorClock, len(replicas))
	for _, id := range replicas {
		rows[id] = ack.Row(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, t := range s.entries {
		if !frontier.Covers(t.RecipeTimestamp) || !frontier.Covers(t.RemovedAt) {
			continue
		}
		if !settled(t, seen, rows) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	return removed
}

// settled reports whether seen holds every operation ranked below t's recipe.
// A replica that observed the removal only issues seqs above it, so its older
// operations end at its own entry in its ack row.
func settled(t Tombstone, seen *clock.VectorClock, rows map[model.ReplicaID]*clock.VectorClock) bool {
	for id, row := range rows {
		need := t.RecipeTimestamp.Seq
		if own := row.Get(id).Seq; own < need {
			need = own
		}
		if seen.Get(id).Seq < need {
			return false
		}
	}
	return true
}

// Len returns the number of live tombstones
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// List returns the tombstones ordered by recipe timestamp
func (s *Set) List() []Tombstone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tombstone, 0, len(s.entries))
	for _, t := range s.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecipeTimestamp.Compare(out[j].RecipeTimestamp) < 0
	})
	return out
}
