package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
)

// NodeApplication is the snapshot surface the embedding node provides
// to the engine.
type NodeApplication interface {
	// ApplySnapshot install a snapshot received from the leader. After
	// persisting it, the node must call Engine.ApplySnapshot so the
	// engine rebuilds its log window.
	ApplySnapshot(snapshot *clusterpd.Snapshot)
	// ReadSnapshot return the latest persisted snapshot, or nil while
	// one is being produced.
	ReadSnapshot() *clusterpd.Snapshot
}

// Ready bundles everything the duty cycle must act upon after feeding
// the engine.
type Ready struct {
	// The current volatile state of the member.
	SS *SoftState

	// The current state of the member to be saved to stable storage
	// BEFORE Messages are sent. Nil if there is no update.
	HS *clusterpd.HardState

	// Entries specifies entries to be saved to stable storage BEFORE
	// Messages are sent.
	Entries []clusterpd.Entry

	// CommitEntries specifies entries to apply to the state machine in
	// position order. These have previously reached stable storage.
	CommitEntries []clusterpd.Entry

	// Messages specifies outbound messages to be sent AFTER Entries
	// reached stable storage.
	Messages []clusterpd.Message
}

// ContainsUpdates reports whether the Ready carries any work.
func (rd *Ready) ContainsUpdates() bool {
	return rd.HS != nil || len(rd.Entries) > 0 ||
		len(rd.CommitEntries) > 0 || len(rd.Messages) > 0
}

// RawNode wraps core and accumulates the outputs of one or more Step
// and Periodic calls until the duty cycle drains them with Ready.
type RawNode struct {
	*core
	prevHS clusterpd.HardState

	commitEntries []clusterpd.Entry
	messages      []clusterpd.Message

	application NodeApplication
}

// MakeRawNode build the engine around the given configuration.
func MakeRawNode(config *conf.Config, app NodeApplication) *RawNode {
	config.Verify()

	node := &RawNode{}
	node.core = makeCore(config, node)
	node.application = app
	node.prevHS = node.core.ReadHardState()
	return node
}

// Unreachable report that a message to the given member failed so its
// replication progress backs off.
func (node *RawNode) Unreachable(member uint64) {
	msg := clusterpd.Message{
		From:    member,
		To:      conf.InvalidID,
		Term:    node.term,
		MsgType: clusterpd.MsgUnreachable,
	}
	node.Step(&msg)
}

// Ready drain accumulated outputs.
func (node *RawNode) Ready() Ready {
	ready := Ready{}

	ss := node.core.ReadSoftState()
	ready.SS = &ss

	hs := node.core.ReadHardState()
	if hs != node.prevHS {
		ready.HS = &hs
		node.prevHS = hs
	}

	ready.Entries = node.core.log.StableEntries()
	ready.CommitEntries = node.commitEntries
	ready.Messages = node.messages

	if ready.ContainsUpdates() {
		log.Debugf("%d handle ready: [stable: %d, commit: %d, msg: %d]",
			node.id, len(ready.Entries), len(ready.CommitEntries), len(ready.Messages))
	}

	// clear all
	node.commitEntries = nil
	node.messages = nil

	return ready
}

// ReadStatus return current term and whether the member leads.
func (node *RawNode) ReadStatus() (uint64, bool) {
	ss := node.core.ReadSoftState()
	hs := node.core.ReadHardState()

	return hs.Term, ss.Role.IsLeader()
}

func (node *RawNode) send(msg *clusterpd.Message) {
	node.messages = append(node.messages, *msg)
}

func (node *RawNode) applyEntry(entry *clusterpd.Entry) {
	node.commitEntries = append(node.commitEntries, *entry)
}

func (node *RawNode) applySnapshot(snapshot *clusterpd.Snapshot) {
	node.application.ApplySnapshot(snapshot)
}

func (node *RawNode) readSnapshot() *clusterpd.Snapshot {
	return node.application.ReadSnapshot()
}
