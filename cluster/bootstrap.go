package cluster

import (
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core"
	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/cluster/snap"
	"github.com/m7ller/flock/cluster/wal"
)

// image is the serialized content of one snapshot: the machine state,
// the session table and the cluster time at the snapshot position.
type image struct {
	ClusterTimeMs int64
	Machine       []byte
	Sessions      []byte
}

// bootstrap recovers the member's durable state and builds the engine:
// newest snapshot first, then replay of the log written after it. Any
// committed-at-boot position is remembered so replayed entries rebuild
// state without re-emitting egress.
func (n *Node) bootstrap() error {
	walDir := path.Join(n.opts.DataDir, "wal")
	snapDir := path.Join(n.opts.DataDir, "snap")
	for _, dir := range []string{walDir, snapDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	n.snapshotter = snap.MakeSnapshotter(snapDir)

	snapshot, err := n.snapshotter.Load()
	if err != nil && err != snap.ErrNoSnapshot {
		return err
	}
	if snapshot != nil {
		if err := n.restoreImage(snapshot); err != nil {
			return err
		}
		n.latestSnapshot = snapshot
		log.Infof("%d restored snapshot [pos: %d, term: %d]",
			n.opts.ID, snapshot.Metadata.Position, snapshot.Metadata.Term)
	}

	state, entries, err := n.recoverLog(walDir, snapshot)
	if err != nil {
		return err
	}

	config := &conf.Config{
		ID:            n.opts.ID,
		Vote:          state.Vote,
		Term:          state.Term,
		ElectionTick:  n.opts.ElectionTickMs,
		HeartbeatTick: n.opts.HeartbeatTickMs,
		MaxSizePerMsg: n.opts.MaxSizePerMsg,
		Members:       n.opts.Members,
		Entries:       entries,
	}
	if state.Term == conf.InvalidTerm && state.Vote == 0 {
		config.Vote = conf.InvalidID
	}

	n.engine = core.MakeEngine(config, n)
	n.commitAtBoot = state.Commit
	n.appliedPosition = n.snapshotPosition()
	return nil
}

// recoverLog opens or creates the write-ahead log and returns the
// persisted hard state plus the holder rebuild slice: the snapshot
// coordinates as the leading dummy, then every surviving entry after
// it.
func (n *Node) recoverLog(walDir string, snapshot *clusterpd.Snapshot) (
	clusterpd.HardState, []clusterpd.Entry, error) {
	if !wal.Exist(walDir) {
		wlog, err := wal.Create(walDir)
		if err != nil {
			return clusterpd.HardState{}, nil, err
		}
		n.wlog = wlog
		return clusterpd.HardState{}, nil, nil
	}

	var dummy clusterpd.Entry
	if snapshot != nil {
		dummy.Position = snapshot.Metadata.Position
		dummy.Term = snapshot.Metadata.Term
	}

	wlog, err := wal.Open(walDir, dummy.Position+1)
	if err != nil {
		return clusterpd.HardState{}, nil, err
	}
	state, walEntries, err := wlog.ReadAll()
	if err != nil {
		return clusterpd.HardState{}, nil, err
	}
	n.wlog = wlog

	entries := []clusterpd.Entry{dummy}
	for _, entry := range walEntries {
		// the log on disk may reach back before the snapshot
		if entry.Position > dummy.Position {
			entries = append(entries, entry)
		}
	}

	log.Infof("%d recovered log [entries: %d, term: %d, commit: %d]",
		n.opts.ID, len(entries)-1, state.Term, state.Commit)
	return state, entries, nil
}

// restoreImage loads machine and session state out of a snapshot.
func (n *Node) restoreImage(snapshot *clusterpd.Snapshot) error {
	img := image{}
	if err := snap.Decode(snapshot.Data, &img); err != nil {
		return err
	}
	if err := n.machine.RestoreSnapshot(img.Machine); err != nil {
		return err
	}
	if err := n.sessions.Restore(img.Sessions); err != nil {
		return err
	}
	n.clusterTimeMs = img.ClusterTimeMs
	return nil
}

func (n *Node) snapshotPosition() uint64 {
	if n.latestSnapshot == nil {
		return conf.InvalidPosition
	}
	return n.latestSnapshot.Metadata.Position
}
