package snap

import (
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	clusterpd "github.com/m7ller/flock/cluster/proto"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "snap-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func makeSnapshot(term, position uint64, data string) *clusterpd.Snapshot {
	return &clusterpd.Snapshot{
		Metadata: clusterpd.SnapshotMetadata{Term: term, Position: position},
		Data:     []byte(data),
	}
}

func TestSnapshotter_SaveThenLoad(t *testing.T) {
	dir := tempDir(t)
	s := MakeSnapshotter(dir)

	_, err := s.Load()
	require.Equal(t, ErrNoSnapshot, err)

	want := makeSnapshot(2, 100, "image")
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSnapshotter_LoadPrefersNewest(t *testing.T) {
	dir := tempDir(t)
	s := MakeSnapshotter(dir)

	require.NoError(t, s.Save(makeSnapshot(1, 50, "old")))
	require.NoError(t, s.Save(makeSnapshot(2, 120, "new")))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(120), got.Metadata.Position)
	require.Equal(t, "new", string(got.Data))
}

func TestSnapshotter_CorruptNewestFallsBack(t *testing.T) {
	dir := tempDir(t)
	s := MakeSnapshotter(dir)

	require.NoError(t, s.Save(makeSnapshot(1, 50, "old")))
	require.NoError(t, s.Save(makeSnapshot(2, 120, "new")))

	name := path.Join(dir, snapName(2, 120))
	raw, err := ioutil.ReadFile(name)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, ioutil.WriteFile(name, raw, 0600))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(50), got.Metadata.Position)
	require.Equal(t, "old", string(got.Data))
}

func TestSnapshotter_Purge(t *testing.T) {
	dir := tempDir(t)
	s := MakeSnapshotter(dir)

	require.NoError(t, s.Save(makeSnapshot(1, 10, "a")))
	require.NoError(t, s.Save(makeSnapshot(1, 20, "b")))
	require.NoError(t, s.Save(makeSnapshot(2, 30, "c")))
	require.NoError(t, s.Purge(2))

	names, err := s.snapNames()
	require.NoError(t, err)
	require.Len(t, names, 2)

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(30), got.Metadata.Position)
}
