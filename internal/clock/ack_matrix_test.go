package clock

import (
	"testing"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckMatrix_NewHasRowPerParticipant(t *testing.T) {
	m := NewAckMatrix(participants)

	assert.Equal(t, participants, m.Replicas())
	for _, id := range participants {
		row := m.Row(id)
		require.NotNil(t, row)
		assert.Equal(t, len(participants), row.Len())
	}
	assert.Nil(t, m.Row("unknown"))
}

func TestAckMatrix_SetRowCopies(t *testing.T) {
	m := NewAckMatrix(participants)
	summary := FromSnapshot(model.VectorSnapshot{"A": 2, "B": 1, "C": model.NullSeq})

	m.SetRow("A", summary)
	summary.Advance(model.NewTimestamp("A", 9))

	assert.Equal(t, int64(2), m.Row("A").Get("A").Seq)
}

func TestAckMatrix_MinVector(t *testing.T) {
	m := FromAckSnapshot(model.AckSnapshot{
		"A": {"A": 5, "B": 2, "C": 7},
		"B": {"A": 3, "B": 4, "C": 7},
		"C": {"A": 4, "B": 1, "C": 9},
	})

	assert.Equal(t, model.VectorSnapshot{"A": 3, "B": 1, "C": 7}, m.MinVector().Snapshot())
}

func TestAckMatrix_MinVectorMissingEntryCountsAsNull(t *testing.T) {
	m := FromAckSnapshot(model.AckSnapshot{
		"A": {"A": 5, "B": 2},
		"B": {"A": 3},
	})

	frontier := m.MinVector()
	assert.Equal(t, int64(3), frontier.Get("A").Seq)
	assert.True(t, frontier.Get("B").IsNull())
}

func TestAckMatrix_MinVectorEmpty(t *testing.T) {
	m := FromAckSnapshot(model.AckSnapshot{})

	frontier := m.MinVector()
	assert.Equal(t, 0, frontier.Len())
	assert.True(t, frontier.Get("A").IsNull())
}

func TestAckMatrix_MergeMax(t *testing.T) {
	m := FromAckSnapshot(model.AckSnapshot{
		"A": {"A": 5, "B": 2},
		"B": {"A": 1, "B": 4},
	})
	other := FromAckSnapshot(model.AckSnapshot{
		"A": {"A": 3, "B": 6},
		"C": {"A": 2, "B": 2},
	})

	m.MergeMax(other)

	assert.Equal(t, model.AckSnapshot{
		"A": {"A": 5, "B": 6},
		"B": {"A": 1, "B": 4},
		"C": {"A": 2, "B": 2},
	}, m.Snapshot())

	// adopted row is a copy
	other.SetRow("C", FromSnapshot(model.VectorSnapshot{"A": 99}))
	assert.Equal(t, int64(2), m.Row("C").Get("A").Seq)
}

func TestAckMatrix_CloneIsDeep(t *testing.T) {
	m := NewAckMatrix(participants)
	clone := m.Clone()
	require.True(t, m.Equal(clone))

	m.MergeMax(FromAckSnapshot(model.AckSnapshot{"A": {"A": 3}}))

	assert.True(t, clone.Row("A").Get("A").IsNull())
	assert.False(t, m.Equal(clone))
}
