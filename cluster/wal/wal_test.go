package wal

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	clusterpd "github.com/m7ller/flock/cluster/proto"
)

func makeEntries(from, to, term uint64) []clusterpd.Entry {
	entries := make([]clusterpd.Entry, 0, to-from)
	for position := from; position < to; position++ {
		entries = append(entries, clusterpd.Entry{
			Position: position,
			Term:     term,
			Type:     clusterpd.EntryNormal,
			Data:     []byte{byte(position), byte(term)},
		})
	}
	return entries
}

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "wal-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestWAL_CreateThenReopen(t *testing.T) {
	dir := tempDir(t)

	l, err := Create(dir)
	require.NoError(t, err)

	state := clusterpd.HardState{Vote: 2, Term: 3, Commit: 5}
	require.NoError(t, l.Save(&state, makeEntries(1, 11, 3)))
	require.Equal(t, uint64(10), l.HighestPosition())
	l.Close()

	l, err = Open(dir, 1)
	require.NoError(t, err)
	gotState, entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Equal(t, state, gotState)
	require.Len(t, entries, 10)
	require.Equal(t, uint64(1), entries[0].Position)
	require.Equal(t, uint64(10), entries[9].Position)
	l.Close()
}

func TestWAL_ConflictingTailIsOverwritten(t *testing.T) {
	dir := tempDir(t)

	l, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, l.Save(nil, makeEntries(1, 11, 1)))

	// a new leader rewrites positions 6..8 at a later term
	require.NoError(t, l.Save(&clusterpd.HardState{Term: 2}, makeEntries(6, 9, 2)))
	l.Close()

	l, err = Open(dir, 1)
	require.NoError(t, err)
	_, entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 8)
	require.Equal(t, uint64(1), entries[4].Term)
	require.Equal(t, uint64(2), entries[5].Term)
	require.Equal(t, uint64(8), entries[7].Position)
	l.Close()
}

func TestWAL_ValidMarkDropsTail(t *testing.T) {
	dir := tempDir(t)

	l, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, l.Save(nil, makeEntries(1, 11, 1)))
	require.NoError(t, l.MarkValidLength(6))
	require.Equal(t, uint64(6), l.HighestPosition())
	l.Close()

	l, err = Open(dir, 1)
	require.NoError(t, err)
	_, entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 6)
	require.Equal(t, uint64(6), entries[5].Position)
	l.Close()
}

func TestWAL_TornTailIsDiscarded(t *testing.T) {
	dir := tempDir(t)

	l, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, l.Save(nil, makeEntries(1, 6, 1)))
	l.Close()

	// chop a few bytes off the last record to simulate a crash
	names, err := readAllSegmentNames(dir)
	require.NoError(t, err)
	name := path.Join(dir, names[len(names)-1])
	stat, err := os.Stat(name)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(name, stat.Size()-3))

	l, err = Open(dir, 1)
	require.NoError(t, err)
	_, entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// the log must accept appends again after the repair
	require.NoError(t, l.Save(nil, makeEntries(5, 7, 2)))
	l.Close()

	l, err = Open(dir, 1)
	require.NoError(t, err)
	_, entries, err = l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 6)
	require.Equal(t, uint64(2), entries[5].Term)
	l.Close()
}

func TestWAL_CRCMismatchAbortsReplay(t *testing.T) {
	dir := tempDir(t)

	l, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, l.Save(nil, makeEntries(1, 6, 1)))
	l.Close()

	// flip the last payload byte of the first record; the frame header
	// holds the record length, and the byte before the gob terminator
	// belongs to the checksummed payload
	names, err := readAllSegmentNames(dir)
	require.NoError(t, err)
	name := path.Join(dir, names[0])
	data, err := ioutil.ReadFile(name)
	require.NoError(t, err)
	length := int64(binary.LittleEndian.Uint64(data[:8]))
	data[8+length-2] ^= 0xff
	require.NoError(t, ioutil.WriteFile(name, data, 0600))

	l, err = Open(dir, 1)
	require.NoError(t, err)
	_, _, err = l.ReadAll()
	require.Equal(t, ErrCRCMismatch, err)
	l.Close()
}

func TestWAL_RotationAndRelease(t *testing.T) {
	dir := tempDir(t)

	old := segmentSizeBytes
	segmentSizeBytes = 512
	defer func() { segmentSizeBytes = old }()

	l, err := Create(dir)
	require.NoError(t, err)
	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, l.Save(nil, makeEntries(i, i+1, 1)))
	}

	names, err := readAllSegmentNames(dir)
	require.NoError(t, err)
	require.Greater(t, len(names), 1)

	// releasing below position 50 must keep every segment needed to
	// replay from 50 onwards
	require.NoError(t, l.ReleaseBelow(50))
	l.Close()

	l, err = Open(dir, 50)
	require.NoError(t, err)
	_, entries, err := l.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.LessOrEqual(t, entries[0].Position, uint64(50))
	require.Equal(t, uint64(100), entries[len(entries)-1].Position)
	l.Close()

	// replay from a released position is impossible
	_, err = Open(dir, 1)
	require.Equal(t, ErrOutOfRange, err)
}

func TestWAL_CreateRefusesExistingLog(t *testing.T) {
	dir := tempDir(t)

	l, err := Create(dir)
	require.NoError(t, err)
	l.Close()

	_, err = Create(dir)
	require.Error(t, err)
	require.True(t, Exist(dir))
}
