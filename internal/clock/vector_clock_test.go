package clock

import (
	"fmt"
	"sync"
	"testing"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var participants = []model.ReplicaID{"A", "B", "C"}

func TestVectorClock_NewIsAllNull(t *testing.T) {
	vc := NewVectorClock(participants)

	assert.Equal(t, 3, vc.Len())
	for _, id := range participants {
		assert.True(t, vc.Get(id).IsNull(), "origin %s", id)
	}
	assert.True(t, vc.Get("unknown").IsNull())
}

func TestVectorClock_Advance(t *testing.T) {
	tests := []struct {
		name    string
		initial int64
		ts      model.Timestamp
		changed bool
		want    int64
	}{
		{"newer moves forward", 2, model.NewTimestamp("A", 3), true, 3},
		{"gap is allowed", 2, model.NewTimestamp("A", 7), true, 7},
		{"equal is a no-op", 2, model.NewTimestamp("A", 2), false, 2},
		{"older is a no-op", 5, model.NewTimestamp("A", 1), false, 5},
		{"first seen from null", model.NullSeq, model.NewTimestamp("A", 1), true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vc := FromSnapshot(model.VectorSnapshot{"A": tt.initial})
			assert.Equal(t, tt.changed, vc.Advance(tt.ts))
			assert.Equal(t, tt.want, vc.Get("A").Seq)
		})
	}
}

func TestVectorClock_AdvanceUnknownOrigin(t *testing.T) {
	vc := NewVectorClock(participants)

	assert.True(t, vc.Advance(model.NewTimestamp("D", 4)))
	assert.Equal(t, int64(4), vc.Get("D").Seq)
	assert.False(t, vc.Advance(model.NullTimestamp("E")))
}

func TestVectorClock_MergeMax(t *testing.T) {
	vc := FromSnapshot(model.VectorSnapshot{"A": 3, "B": 1, "C": model.NullSeq})
	other := FromSnapshot(model.VectorSnapshot{"A": 2, "B": 5, "D": 1})

	vc.MergeMax(other)

	assert.Equal(t, model.VectorSnapshot{"A": 3, "B": 5, "C": model.NullSeq, "D": 1}, vc.Snapshot())
	// other is untouched
	assert.Equal(t, model.VectorSnapshot{"A": 2, "B": 5, "D": 1}, other.Snapshot())
}

func TestVectorClock_MergeMin(t *testing.T) {
	vc := FromSnapshot(model.VectorSnapshot{"A": 3, "B": 1})
	other := FromSnapshot(model.VectorSnapshot{"A": 2, "B": 5, "C": 4})

	vc.MergeMin(other)

	assert.Equal(t, model.VectorSnapshot{"A": 2, "B": 1, "C": 4}, vc.Snapshot())
}

func TestVectorClock_MergeMonotonicity(t *testing.T) {
	vc := NewVectorClock(participants)
	updates := []model.VectorSnapshot{
		{"A": 1, "B": 4},
		{"A": 3, "B": 2, "C": 1},
		{"A": 2, "C": 6},
		{"B": 4},
	}

	prev := vc.Snapshot()
	for _, u := range updates {
		vc.MergeMax(FromSnapshot(u))
		cur := vc.Snapshot()
		for id, seq := range prev {
			assert.GreaterOrEqual(t, cur[id], seq, "entry %s went backwards", id)
		}
		prev = cur
	}
	assert.Equal(t, model.VectorSnapshot{"A": 3, "B": 4, "C": 6}, prev)

	lowering := FromSnapshot(model.VectorSnapshot{"A": 10, "B": 10, "C": 10})
	prev = lowering.Snapshot()
	for _, u := range updates {
		lowering.MergeMin(FromSnapshot(u))
		cur := lowering.Snapshot()
		for id, seq := range prev {
			assert.LessOrEqual(t, cur[id], seq, "entry %s went forwards", id)
		}
		prev = cur
	}
}

func TestVectorClock_MergeIsIdempotent(t *testing.T) {
	vc := FromSnapshot(model.VectorSnapshot{"A": 1, "B": 2})
	other := FromSnapshot(model.VectorSnapshot{"A": 4, "B": 1})

	vc.MergeMax(other)
	once := vc.Snapshot()
	vc.MergeMax(other)

	assert.Equal(t, once, vc.Snapshot())
}

func TestVectorClock_CloneIsIndependent(t *testing.T) {
	vc := FromSnapshot(model.VectorSnapshot{"A": 1})
	clone := vc.Clone()

	require.True(t, vc.Equal(clone))

	vc.Advance(model.NewTimestamp("A", 2))
	clone.Advance(model.NewTimestamp("B", 9))

	assert.Equal(t, int64(2), vc.Get("A").Seq)
	assert.Equal(t, int64(1), clone.Get("A").Seq)
	assert.True(t, vc.Get("B").IsNull())
	assert.False(t, vc.Equal(clone))
}

func TestVectorClock_Covers(t *testing.T) {
	vc := FromSnapshot(model.VectorSnapshot{"A": 3})

	assert.True(t, vc.Covers(model.NewTimestamp("A", 2)))
	assert.True(t, vc.Covers(model.NewTimestamp("A", 3)))
	assert.False(t, vc.Covers(model.NewTimestamp("A", 4)))
	assert.False(t, vc.Covers(model.NewTimestamp("B", 1)))
}

func TestVectorClock_String(t *testing.T) {
	vc := FromSnapshot(model.VectorSnapshot{"B": 2, "A": 1})
	assert.Equal(t, "{A:1, B:2}", vc.String())
}

func TestVectorClock_ConcurrentAdvance(t *testing.T) {
	vc := NewVectorClock(participants)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			origin := participants[worker%len(participants)]
			for seq := int64(1); seq <= 500; seq++ {
				vc.Advance(model.NewTimestamp(origin, seq))
				vc.Advance(model.NewTimestamp(fmt.Sprintf("extra-%d", worker), seq))
			}
		}(i)
	}
	wg.Wait()

	for _, id := range participants {
		assert.Equal(t, int64(500), vc.Get(id).Seq)
	}
	assert.Equal(t, 3+8, vc.Len())
}
