package cluster

import (
	log "github.com/sirupsen/logrus"

	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/cluster/snap"
	"github.com/m7ller/flock/utils/pd"
)

// snapshotsKept is how many old snapshot files survive a purge.
const snapshotsKept = 3

// applyEntry executes one committed entry. This is the deterministic
// heart of the member: every replica runs the same entries in the same
// order against the same session table. Egress is a side effect, not
// state, so it is emitted only by the leader and never while replaying
// entries that were already committed before the last shutdown.
func (n *Node) applyEntry(entry *clusterpd.Entry) {
	replay := entry.Position <= n.commitAtBoot

	switch entry.Type {
	case clusterpd.EntryBroadcast:
		// the no-op a fresh leader commits to anchor its term

	case clusterpd.EntryTimestamp:
		stamp := clusterpd.Timestamp{}
		pd.MustUnmarshal(&stamp, entry.Data)
		if stamp.UnixMilli > n.clusterTimeMs {
			n.clusterTimeMs = stamp.UnixMilli
		}

	case clusterpd.EntrySessionOpen:
		open := clusterpd.SessionOpen{}
		pd.MustUnmarshal(&open, entry.Data)
		// the session ID is the entry position: unique, totally ordered
		// and derived identically on every member
		s := n.sessions.Open(entry.Position, open.ResponseChannel, n.clusterTimeMs)
		delete(n.pendingOpens, open.ResponseChannel)
		n.emitEgress(s.ResponseChannel, &clusterpd.Egress{
			Kind:      clusterpd.EgressSessionOpened,
			SessionID: s.ID,
			LeaderID:  n.opts.ID,
		}, replay)

	case clusterpd.EntrySessionClose:
		closing := clusterpd.SessionClose{}
		pd.MustUnmarshal(&closing, entry.Data)
		delete(n.pendingCloses, closing.SessionID)
		delete(n.keepAlives, closing.SessionID)
		if s, ok := n.sessions.Close(closing.SessionID); ok {
			n.emitEgress(s.ResponseChannel, &clusterpd.Egress{
				Kind:      clusterpd.EgressSessionClosed,
				SessionID: s.ID,
				Payload:   []byte(closing.Reason.String()),
			}, replay)
		}

	case clusterpd.EntryNormal:
		n.applyCommand(entry, replay)

	case clusterpd.EntrySnapshotMarker:
		n.appliedPosition = entry.Position
		n.sinceSnapshot = 0
		n.takeSnapshot(entry.Position, entry.Term)
		return

	default:
		log.Panicf("%d unknown entry type %v at %d", n.opts.ID, entry.Type, entry.Position)
	}

	n.appliedPosition = entry.Position
	n.sinceSnapshot++
}

func (n *Node) applyCommand(entry *clusterpd.Entry, replay bool) {
	cmd := clusterpd.Command{}
	pd.MustUnmarshal(&cmd, entry.Data)

	s, ok := n.sessions.Get(cmd.SessionID)
	if !ok {
		// the session was closed between propose and commit
		log.Debugf("%d drop command for unknown session %d", n.opts.ID, cmd.SessionID)
		return
	}

	if s.IsDuplicate(cmd.CorrelationID) {
		// a retried command that slipped into the log twice: answer
		// from the cache, never re-apply
		if response, cached := s.CachedResponse(cmd.CorrelationID); cached {
			n.emitEgress(s.ResponseChannel, &clusterpd.Egress{
				Kind:          clusterpd.EgressResponse,
				SessionID:     s.ID,
				CorrelationID: cmd.CorrelationID,
				Payload:       response,
			}, replay)
		}
		return
	}

	response := n.machine.Apply(cmd.SessionID, cmd.CorrelationID, cmd.Payload, n.clusterTimeMs)
	n.sessions.Advance(s, cmd.CorrelationID, response, n.clusterTimeMs)
	if response != nil {
		n.emitEgress(s.ResponseChannel, &clusterpd.Egress{
			Kind:          clusterpd.EgressResponse,
			SessionID:     s.ID,
			CorrelationID: cmd.CorrelationID,
			Payload:       response,
		}, replay)
	}
}

// emitEgress publishes a frame to a session's response channel. Only
// the leader speaks to clients, and replayed entries rebuild state
// silently.
func (n *Node) emitEgress(channel string, egress *clusterpd.Egress, replay bool) {
	if replay || !n.leading {
		return
	}
	if !n.bus.Publish(channel, pd.MustMarshal(egress)) {
		// the client's channel is full; it will learn the outcome from
		// its own retries
		log.Warnf("%d egress channel %s full, dropped %d", n.opts.ID, channel, egress.Kind)
	}
}

// takeSnapshot persists an image of machine, sessions and cluster time
// at the given marker coordinates, then prunes the log behind it.
func (n *Node) takeSnapshot(position, term uint64) {
	machineImage, err := n.machine.TakeSnapshot()
	if err != nil {
		log.WithError(err).Errorf("%d machine snapshot failed at %d", n.opts.ID, position)
		return
	}
	sessionImage, err := n.sessions.Snapshot()
	if err != nil {
		log.WithError(err).Errorf("%d session snapshot failed at %d", n.opts.ID, position)
		return
	}
	data, err := snap.Encode(&image{
		ClusterTimeMs: n.clusterTimeMs,
		Machine:       machineImage,
		Sessions:      sessionImage,
	})
	if err != nil {
		log.WithError(err).Errorf("%d encode snapshot failed at %d", n.opts.ID, position)
		return
	}

	snapshot := &clusterpd.Snapshot{
		Metadata: clusterpd.SnapshotMetadata{Position: position, Term: term},
		Data:     data,
	}
	if err := n.snapshotter.Save(snapshot); err != nil {
		log.WithError(err).Panicf("%d persist snapshot failed at %d", n.opts.ID, position)
	}
	if err := n.snapshotter.Purge(snapshotsKept); err != nil {
		log.WithError(err).Warnf("%d purge old snapshots failed", n.opts.ID)
	}

	n.latestSnapshot = snapshot
	n.engine.ApplySnapshot(&snapshot.Metadata)
	if err := n.wlog.ReleaseBelow(position + 1); err != nil {
		log.WithError(err).Warnf("%d release log segments failed", n.opts.ID)
	}
	log.Infof("%d took snapshot [pos: %d, term: %d]", n.opts.ID, position, term)
}

// ApplySnapshot installs a snapshot received from the leader: persist
// it, replace the local state with its image, then let the engine
// rebuild its log window. Implements core.NodeApplication.
func (n *Node) ApplySnapshot(snapshot *clusterpd.Snapshot) {
	if snapshot.Metadata.Position <= n.appliedPosition {
		return
	}
	if err := n.snapshotter.Save(snapshot); err != nil {
		log.WithError(err).Panicf("%d persist installed snapshot failed", n.opts.ID)
	}
	if err := n.restoreImage(snapshot); err != nil {
		log.WithError(err).Panicf("%d restore installed snapshot failed", n.opts.ID)
	}

	n.latestSnapshot = snapshot
	n.appliedPosition = snapshot.Metadata.Position
	n.sinceSnapshot = 0
	n.engine.ApplySnapshot(&snapshot.Metadata)
	// the local log ends before the snapshot; cut a fresh segment so
	// the entries that follow it replay without a gap
	if err := n.wlog.CutAt(snapshot.Metadata.Position); err != nil {
		log.WithError(err).Panicf("%d cut log after snapshot failed", n.opts.ID)
	}
	if err := n.wlog.ReleaseBelow(snapshot.Metadata.Position + 1); err != nil {
		log.WithError(err).Warnf("%d release log segments failed", n.opts.ID)
	}
	log.Infof("%d installed snapshot [pos: %d, term: %d]",
		n.opts.ID, snapshot.Metadata.Position, snapshot.Metadata.Term)
}

// ReadSnapshot returns the latest persisted snapshot for the engine to
// ship to a lagging follower. Implements core.NodeApplication.
func (n *Node) ReadSnapshot() *clusterpd.Snapshot {
	return n.latestSnapshot
}
