// Package snap stores point-in-time images of the replicated state
// machine. Each snapshot is a single checksummed file named after the
// log coordinates it covers; loading picks the newest file that still
// passes its checksum so one corrupt snapshot never blocks recovery.
package snap

import (
	"errors"
	"hash/crc32"
	"io/ioutil"
	"os"
	"path"
	"sort"

	log "github.com/sirupsen/logrus"

	clusterpd "github.com/m7ller/flock/cluster/proto"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var ErrNoSnapshot = errors.New("snap: no snapshot found")

// filePayload is the on-disk container: checksummed msgpack bytes of a
// clusterpd.Snapshot.
type filePayload struct {
	Crc  uint32
	Data []byte
}

type Snapshotter struct {
	dir string
}

func MakeSnapshotter(dir string) *Snapshotter {
	return &Snapshotter{dir: dir}
}

// Save writes the snapshot to a fresh file. The write goes through a
// temporary name and a rename so a crash can never leave a half-written
// file under a valid snapshot name.
func (s *Snapshotter) Save(snapshot *clusterpd.Snapshot) error {
	data, err := Encode(snapshot)
	if err != nil {
		return err
	}
	payload, err := Encode(&filePayload{
		Crc:  crc32.Checksum(data, crcTable),
		Data: data,
	})
	if err != nil {
		return err
	}

	name := snapName(snapshot.Metadata.Term, snapshot.Metadata.Position)
	tmp := path.Join(s.dir, name+".tmp")
	if err := ioutil.WriteFile(tmp, payload, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path.Join(s.dir, name))
}

// Load returns the newest readable snapshot. Corrupt files are skipped
// with a logged error and older ones are tried in turn.
func (s *Snapshotter) Load() (*clusterpd.Snapshot, error) {
	names, err := s.snapNames()
	if err != nil {
		return nil, err
	}

	for i := len(names) - 1; i >= 0; i-- {
		snapshot, err := s.read(names[i])
		if err != nil {
			log.WithError(err).Errorf("snap: skip unreadable snapshot %s", names[i])
			continue
		}
		return snapshot, nil
	}
	return nil, ErrNoSnapshot
}

// Purge removes every snapshot older than the newest keep files.
func (s *Snapshotter) Purge(keep int) error {
	names, err := s.snapNames()
	if err != nil {
		if err == ErrNoSnapshot {
			return nil
		}
		return err
	}
	for i := 0; i+keep < len(names); i++ {
		if err := os.Remove(path.Join(s.dir, names[i])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshotter) read(name string) (*clusterpd.Snapshot, error) {
	raw, err := ioutil.ReadFile(path.Join(s.dir, name))
	if err != nil {
		return nil, err
	}

	payload := filePayload{}
	if err := Decode(raw, &payload); err != nil {
		return nil, err
	}
	if crc32.Checksum(payload.Data, crcTable) != payload.Crc {
		return nil, errors.New("snap: crc mismatch")
	}

	snapshot := clusterpd.Snapshot{}
	if err := Decode(payload.Data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// snapNames returns valid snapshot file names sorted by (term,
// position) ascending; the zero-padded hex name makes that the
// lexicographic order.
func (s *Snapshotter) snapNames() ([]string, error) {
	dir, err := os.Open(s.dir)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	all, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(all))
	for _, name := range all {
		if _, _, err := parseSnapName(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, ErrNoSnapshot
	}
	sort.Strings(names)
	return names, nil
}
