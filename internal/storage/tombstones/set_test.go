package tombstones

import (
	"testing"

	"github.com/bastiqui/TSAE75644-2024/internal/clock"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestSet_RecordAndContains(t *testing.T) {
	s := New()
	ts := Tombstone{
		Title:           "Soup",
		RecipeTimestamp: model.NewTimestamp("A", 1),
		RemovedAt:       model.NewTimestamp("B", 3),
	}

	assert.True(t, s.Record(ts))
	assert.False(t, s.Record(ts))
	assert.True(t, s.Contains(model.NewTimestamp("A", 1)))
	assert.False(t, s.Contains(model.NewTimestamp("B", 3)))
	assert.Equal(t, 1, s.Len())
}

func TestSet_Shadows(t *testing.T) {
	s := New()
	s.Record(Tombstone{Title: "Soup", RecipeTimestamp: model.NewTimestamp("B", 1), RemovedAt: model.NewTimestamp("B", 2)})

	assert.True(t, s.Shadows("Soup", model.NewTimestamp("A", 1)), "same seq, lower origin")
	assert.False(t, s.Shadows("Soup", model.NewTimestamp("B", 1)), "the removed recipe itself")
	assert.False(t, s.Shadows("Soup", model.NewTimestamp("A", 3)), "re-added after the removal")
	assert.False(t, s.Shadows("Stew", model.NewTimestamp("A", 1)))
}

func TestSet_PurgeStable(t *testing.T) {
	soup := Tombstone{Title: "Soup", RecipeTimestamp: model.NewTimestamp("A", 1), RemovedAt: model.NewTimestamp("B", 3)}

	tests := []struct {
		name    string
		ack     model.AckSnapshot
		seen    model.VectorSnapshot
		removed int
	}{
		{
			name: "removal not acknowledged by C",
			ack: model.AckSnapshot{
				"A": {"A": 1, "B": 3, "C": 0},
				"B": {"A": 1, "B": 3, "C": 0},
				"C": {"A": 1, "B": 2, "C": 0},
			},
			seen:    model.VectorSnapshot{"A": 1, "B": 3, "C": 0},
			removed: 0,
		},
		{
			name: "C wrote before observing the removal and that write is missing",
			ack: model.AckSnapshot{
				"A": {"A": 1, "B": 3, "C": 0},
				"B": {"A": 1, "B": 3, "C": 0},
				"C": {"A": 1, "B": 3, "C": 1},
			},
			seen:    model.VectorSnapshot{"A": 1, "B": 3, "C": 0},
			removed: 0,
		},
		{
			name: "every older write is here",
			ack: model.AckSnapshot{
				"A": {"A": 1, "B": 3, "C": 0},
				"B": {"A": 1, "B": 3, "C": 0},
				"C": {"A": 1, "B": 3, "C": 1},
			},
			seen:    model.VectorSnapshot{"A": 1, "B": 3, "C": 1},
			removed: 1,
		},
		{
			name: "later writes of C past the recipe are not needed",
			ack: model.AckSnapshot{
				"A": {"A": 1, "B": 3, "C": 0},
				"B": {"A": 1, "B": 3, "C": 0},
				"C": {"A": 1, "B": 3, "C": 9},
			},
			seen:    model.VectorSnapshot{"A": 1, "B": 3, "C": 1},
			removed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.Record(soup)

			ack := clock.FromAckSnapshot(tt.ack)
			removed := s.PurgeStable(ack.MinVector(), clock.FromSnapshot(tt.seen), ack)
			assert.Equal(t, tt.removed, removed)
			assert.Equal(t, 1-tt.removed, s.Len())
		})
	}
}

func TestSet_ListOrdered(t *testing.T) {
	s := New()
	s.Record(Tombstone{Title: "b", RecipeTimestamp: model.NewTimestamp("B", 1)})
	s.Record(Tombstone{Title: "a2", RecipeTimestamp: model.NewTimestamp("A", 2)})
	s.Record(Tombstone{Title: "a1", RecipeTimestamp: model.NewTimestamp("A", 1)})

	list := s.List()
	assert.Equal(t, []string{"a1", "a2", "b"}, []string{list[0].Title, list[1].Title, list[2].Title})
}
