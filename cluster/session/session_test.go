package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManager_OpenGetClose(t *testing.T) {
	m := MakeManager(1000)

	s := m.Open(7, "egress-7", 100)
	require.Equal(t, uint64(7), s.ID)
	require.Equal(t, 1, m.Count())

	got, ok := m.Get(7)
	require.True(t, ok)
	require.Equal(t, s, got)

	closed, ok := m.Close(7)
	require.True(t, ok)
	require.Equal(t, uint64(7), closed.ID)
	require.Zero(t, m.Count())

	_, ok = m.Get(7)
	require.False(t, ok)
}

func TestManager_DuplicateDetection(t *testing.T) {
	m := MakeManager(1000)
	s := m.Open(1, "egress-1", 0)

	require.False(t, s.IsDuplicate(1))
	m.Advance(s, 1, []byte("resp-1"), 10)
	require.True(t, s.IsDuplicate(1))
	require.False(t, s.IsDuplicate(2))

	// duplicates replay the cached response instead of re-applying
	resp, ok := s.CachedResponse(1)
	require.True(t, ok)
	require.Equal(t, "resp-1", string(resp))

	// an ID applied out of order must not swallow the ones it skipped
	m.Advance(s, 5, []byte("resp-5"), 20)
	require.True(t, s.IsDuplicate(5))
	require.False(t, s.IsDuplicate(3))

	m.Advance(s, 3, []byte("resp-3"), 30)
	require.True(t, s.IsDuplicate(3))
	require.False(t, s.IsDuplicate(4))
}

func TestManager_AckFloorAdvancesOverGaps(t *testing.T) {
	m := MakeManager(1000)
	s := m.Open(1, "egress-1", 0)

	m.Advance(s, 2, nil, 0)
	m.Advance(s, 3, nil, 0)
	require.Equal(t, uint64(0), s.AckFloor)

	// closing the gap folds the out-of-order IDs into the floor
	m.Advance(s, 1, nil, 0)
	require.Equal(t, uint64(3), s.AckFloor)
	require.Empty(t, s.Applied)
	require.True(t, s.IsDuplicate(2))
	require.False(t, s.IsDuplicate(4))
}

func TestManager_AppliedSetIsBounded(t *testing.T) {
	m := MakeManager(1000)
	s := m.Open(1, "egress-1", 0)

	// even IDs only: every apply leaves a gap, so nothing ever folds
	// into the floor on its own
	last := uint64(0)
	for id := uint64(2); id <= uint64(appliedSetSize+8)*2; id += 2 {
		m.Advance(s, id, nil, 0)
		last = id
	}

	require.LessOrEqual(t, len(s.Applied), appliedSetSize)
	require.Greater(t, s.AckFloor, uint64(0))
	require.True(t, s.IsDuplicate(last))
}

func TestManager_ResponseCacheIsBounded(t *testing.T) {
	m := MakeManager(1000)
	s := m.Open(1, "egress-1", 0)

	for id := uint64(1); id <= responseCacheSize+4; id++ {
		m.Advance(s, id, []byte(fmt.Sprintf("resp-%d", id)), 0)
	}

	require.Len(t, s.Responses, responseCacheSize)
	_, ok := s.CachedResponse(1)
	require.False(t, ok)
	resp, ok := s.CachedResponse(responseCacheSize + 4)
	require.True(t, ok)
	require.Equal(t, fmt.Sprintf("resp-%d", responseCacheSize+4), string(resp))
}

func TestManager_Expiry(t *testing.T) {
	m := MakeManager(100)

	a := m.Open(1, "egress-1", 0)
	m.Open(2, "egress-2", 0)

	m.Advance(a, 1, nil, 80)
	require.Equal(t, []uint64{2}, m.Expired(120))
	require.Equal(t, []uint64{1, 2}, m.Expired(200))

	// expiry only reports; closing is a separate committed decision
	require.Equal(t, 2, m.Count())
}

func TestManager_SnapshotRestore(t *testing.T) {
	m := MakeManager(1000)
	a := m.Open(3, "egress-3", 10)
	m.Advance(a, 4, []byte("resp"), 50)
	b := m.Open(9, "egress-9", 20)
	m.Advance(b, 1, nil, 60)

	data, err := m.Snapshot()
	require.NoError(t, err)

	restored := MakeManager(1000)
	require.NoError(t, restored.Restore(data))
	require.Equal(t, 2, restored.Count())

	got, ok := restored.Get(3)
	require.True(t, ok)
	require.True(t, got.IsDuplicate(4))
	require.False(t, got.IsDuplicate(2))
	require.Equal(t, int64(50), got.LastActivity)
	resp, ok := got.CachedResponse(4)
	require.True(t, ok)
	require.Equal(t, "resp", string(resp))

	// identical tables serialize identically, replica by replica
	again, err := restored.Snapshot()
	require.NoError(t, err)
	require.Equal(t, data, again)
}
