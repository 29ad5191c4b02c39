// Package cluster hosts a replicated state machine on top of the
// consensus engine. A Node is one member: it persists the log, moves
// consensus traffic and client frames over the transport bus, applies
// committed entries to the service and routes responses back to client
// sessions. Everything runs on one duty-cycle goroutine; there are no
// locks around the engine or the session table.
package cluster

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/cluster/session"
	"github.com/m7ller/flock/cluster/snap"
	"github.com/m7ller/flock/cluster/wal"
	"github.com/m7ller/flock/transport"
	"github.com/m7ller/flock/utils"
	"github.com/m7ller/flock/utils/pd"
)

const pollBatchLimit = 64

// Options configures one member.
type Options struct {
	ID      uint64
	Members []uint64

	// DataDir holds the wal/ and snap/ subdirectories.
	DataDir string

	ElectionTickMs  int
	HeartbeatTickMs int
	MaxSizePerMsg   uint

	// SessionTimeoutMs is how long a session may stay silent, in
	// cluster time, before the leader closes it.
	SessionTimeoutMs int64

	// TimestampIntervalMs is how often the leader commits a cluster
	// time entry.
	TimestampIntervalMs int64

	// SnapshotInterval is the number of applied entries between
	// snapshot markers proposed by the leader.
	SnapshotInterval uint64

	Bus     transport.Bus
	Machine StateMachine
}

func (o *Options) withDefaults() {
	if o.ElectionTickMs == 0 {
		o.ElectionTickMs = 500
	}
	if o.HeartbeatTickMs == 0 {
		o.HeartbeatTickMs = 50
	}
	if o.MaxSizePerMsg == 0 {
		o.MaxSizePerMsg = 1024 * 1024
	}
	if o.SessionTimeoutMs == 0 {
		o.SessionTimeoutMs = 10 * 1000
	}
	if o.TimestampIntervalMs == 0 {
		o.TimestampIntervalMs = 100
	}
	if o.SnapshotInterval == 0 {
		o.SnapshotInterval = 4096
	}
}

// Node is one cluster member.
type Node struct {
	opts Options

	engine      core.Engine
	wlog        *wal.Log
	snapshotter *snap.Snapshotter
	sessions    *session.Manager
	machine     StateMachine
	bus         transport.Bus

	// clusterTimeMs only advances when committed timestamp entries are
	// applied, so it is identical on every member at a given position.
	clusterTimeMs   int64
	appliedPosition uint64

	// commitAtBoot is the commit position persisted before the last
	// shutdown. Entries at or below it are replayed to rebuild state
	// without re-emitting egress.
	commitAtBoot uint64

	latestSnapshot *clusterpd.Snapshot
	sinceSnapshot  uint64

	// leader-local bookkeeping, reset on every role change
	leading       bool
	pendingOpens  map[string]bool
	pendingCloses map[uint64]bool
	keepAlives    map[uint64]int64
	lastStamp     time.Time

	leaderState atomic.Value // SoftState snapshot for outside readers

	stopc chan struct{}
	donec chan struct{}
}

// MakeNode recovers durable state and returns a member ready to Start.
func MakeNode(opts Options) (*Node, error) {
	opts.withDefaults()

	n := &Node{
		opts:          opts,
		machine:       opts.Machine,
		bus:           opts.Bus,
		sessions:      session.MakeManager(opts.SessionTimeoutMs),
		pendingOpens:  make(map[string]bool),
		pendingCloses: make(map[uint64]bool),
		keepAlives:    make(map[uint64]int64),
		stopc:         make(chan struct{}),
		donec:         make(chan struct{}),
	}
	if err := n.bootstrap(); err != nil {
		return nil, err
	}
	n.leaderState.Store(n.engine.ReadSoftState())
	return n, nil
}

func (n *Node) ID() uint64 { return n.opts.ID }

// ReadStatus returns the last observed leader ID and whether this
// member leads. Safe to call from any goroutine.
func (n *Node) ReadStatus() (uint64, bool) {
	ss := n.leaderState.Load().(core.SoftState)
	return ss.LeaderID, ss.Role.IsLeader()
}

// Start runs the duty cycle until Stop.
func (n *Node) Start() {
	go n.run()
}

// Stop shuts the duty cycle down and closes the log.
func (n *Node) Stop() {
	close(n.stopc)
	<-n.donec
}

func (n *Node) run() {
	defer close(n.donec)
	defer n.wlog.Close()

	idle := utils.DefaultBackoffIdle()
	lastPeriodic := time.Now()

	for {
		select {
		case <-n.stopc:
			return
		default:
		}
		idle.Idle(n.dutyCycle(&lastPeriodic))
	}
}

// dutyCycle performs one pass of the member's work and returns how much
// it did so the idle strategy can back off when the node is quiet.
func (n *Node) dutyCycle(lastPeriodic *time.Time) int {
	work := 0
	work += n.pollMember()
	work += n.pollIngress()

	now := time.Now()
	if elapsed := now.Sub(*lastPeriodic); elapsed >= time.Millisecond {
		n.engine.Periodic(int(elapsed / time.Millisecond))
		*lastPeriodic = now
	}

	work += n.processReady()
	work += n.leaderWork()
	return work
}

// pollMember feeds pending consensus messages into the engine.
func (n *Node) pollMember() int {
	return n.bus.Poll(MemberChannel(n.opts.ID), func(data []byte, _ uint64) {
		msg := clusterpd.Message{}
		if !pd.MaybeUnmarshal(&msg, data) {
			log.Errorf("%d drop undecodable consensus frame", n.opts.ID)
			return
		}
		n.engine.Step(&msg)
	}, pollBatchLimit)
}

// processReady drains the engine: persist hard state and entries, send
// messages, then apply what got committed. Persisting must complete
// before any message referring to those entries leaves the member.
func (n *Node) processReady() int {
	ready := n.engine.Ready()
	if !ready.ContainsUpdates() {
		return 0
	}

	if ready.SS != nil {
		n.leaderState.Store(*ready.SS)
		n.observeRole(ready.SS)
	}

	if len(ready.Entries) > 0 &&
		ready.Entries[0].Position <= n.wlog.HighestPosition() {
		// overwriting a conflicting suffix; fence the old tail first so
		// a crash between here and Save cannot resurrect it
		if err := n.wlog.MarkValidLength(ready.Entries[0].Position - 1); err != nil {
			log.WithError(err).Panicf("%d mark valid length failed", n.opts.ID)
		}
	}
	if err := n.wlog.Save(ready.HS, ready.Entries); err != nil {
		log.WithError(err).Panicf("%d persist log failed", n.opts.ID)
	}

	for i := range ready.Messages {
		msg := &ready.Messages[i]
		if !n.bus.Publish(MemberChannel(msg.To), pd.MustMarshal(msg)) {
			n.engine.Unreachable(msg.To)
		}
	}

	for i := range ready.CommitEntries {
		n.applyEntry(&ready.CommitEntries[i])
	}

	return len(ready.Entries) + len(ready.Messages) + len(ready.CommitEntries)
}

// observeRole resets leader-local state on every role change. Nothing
// here is replicated; a new leader rebuilds it from the session table
// and fresh ingress.
func (n *Node) observeRole(ss *core.SoftState) {
	leading := ss.Role.IsLeader()
	if leading == n.leading {
		return
	}
	n.leading = leading
	n.pendingOpens = make(map[string]bool)
	n.pendingCloses = make(map[uint64]bool)
	n.keepAlives = make(map[uint64]int64)
	n.lastStamp = time.Time{}
	if leading {
		// the old leader's keep-alive bookkeeping died with it; grant
		// every open session a full window to reach the new leader
		for _, s := range n.sessions.All() {
			n.keepAlives[s.ID] = n.clusterTimeMs
		}
		log.Infof("%d took leadership", n.opts.ID)
	}
}

// leaderWork performs the housekeeping only the leader drives: cluster
// time stamping, session expiry and snapshot scheduling. All of it goes
// through the log so followers stay in lockstep.
func (n *Node) leaderWork() int {
	if !n.leading {
		return 0
	}
	work := 0

	now := time.Now()
	if now.Sub(n.lastStamp) >= time.Duration(n.opts.TimestampIntervalMs)*time.Millisecond {
		stamp := clusterpd.Timestamp{UnixMilli: now.UnixMilli()}
		if _, _, ok := n.engine.Propose(clusterpd.EntryTimestamp, pd.MustMarshal(&stamp)); ok {
			n.lastStamp = now
			work++
		}
	}

	for _, id := range n.sessions.Expired(n.clusterTimeMs) {
		if n.pendingCloses[id] || n.keepAliveFresh(id) {
			continue
		}
		payload := clusterpd.SessionClose{SessionID: id, Reason: clusterpd.CloseByTimeout}
		if _, _, ok := n.engine.Propose(clusterpd.EntrySessionClose, pd.MustMarshal(&payload)); ok {
			n.pendingCloses[id] = true
			work++
			log.Infof("%d closing session %d: timeout", n.opts.ID, id)
		}
	}

	if n.sinceSnapshot >= n.opts.SnapshotInterval {
		mark := clusterpd.SnapshotMark{LeaderID: n.opts.ID}
		if _, _, ok := n.engine.Propose(clusterpd.EntrySnapshotMarker, pd.MustMarshal(&mark)); ok {
			// reset optimistically; the committed marker resets it on
			// every member anyway
			n.sinceSnapshot = 0
			work++
		}
	}
	return work
}

// keepAliveFresh reports whether a leader-local keep-alive arrived for
// the session recently enough to defer the committed timeout decision.
func (n *Node) keepAliveFresh(id uint64) bool {
	at, ok := n.keepAlives[id]
	return ok && n.clusterTimeMs-at < n.opts.SessionTimeoutMs
}
