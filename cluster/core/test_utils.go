package core

import (
	"container/list"
	"time"

	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
)

func sleep(milliseconds int) {
	time.Sleep(time.Duration(milliseconds) * time.Millisecond)
}

func makeEntry(pos, term uint64) clusterpd.Entry {
	return clusterpd.Entry{
		Position: pos,
		Term:     term,
	}
}

func makeEntries(positions ...uint64) []clusterpd.Entry {
	entries := []clusterpd.Entry{}
	for _, p := range positions {
		entries = append(entries, makeEntry(p, p))
	}
	return entries
}

type engineOpt func(c *RawNode)

func vote(idx uint64) engineOpt {
	return func(c *RawNode) {
		c.vote = idx
	}
}

func term(idx uint64) engineOpt {
	return func(c *RawNode) {
		c.term = idx
	}
}

func randTick(tick int) engineOpt {
	return func(c *RawNode) {
		c.randomizedElectionTick = tick
	}
}

func timeElapsed(time int) engineOpt {
	return func(c *RawNode) {
		c.timeElapsed = time
	}
}

// testApp is the snapshot surface handed to engines under test. When
// engine is set, installs flow back so the log window gets rebuilt the
// same way the embedding node would do it.
type testApp struct {
	engine    *RawNode
	snapshot  *clusterpd.Snapshot
	installed []clusterpd.Snapshot
}

func (a *testApp) ApplySnapshot(snapshot *clusterpd.Snapshot) {
	a.installed = append(a.installed, *snapshot)
	if a.engine != nil {
		a.engine.ApplySnapshot(&snapshot.Metadata)
	}
}

func (a *testApp) ReadSnapshot() *clusterpd.Snapshot {
	return a.snapshot
}

func makeTestEngine(
	id uint64,
	members []uint64,
	election, heartbeat int,
	entries []clusterpd.Entry,
	callback NodeApplication,
	opts ...engineOpt,
) *RawNode {
	c := conf.Config{
		ID:            id,
		Vote:          conf.InvalidID,
		Term:          conf.InvalidTerm,
		ElectionTick:  election,
		HeartbeatTick: heartbeat,
		Members:       members,
		MaxSizePerMsg: 1024,
		Entries:       entries,
	}

	engine := MakeRawNode(&c, callback)

	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

type network struct {
	peers  map[uint64]*RawNode
	msgs   *list.List
	cutMap map[uint64]uint64
}

func makeNetwork(prs ...*RawNode) *network {
	net := network{
		peers:  make(map[uint64]*RawNode),
		msgs:   list.New(),
		cutMap: make(map[uint64]uint64),
	}
	for i := 0; i < len(prs); i++ {
		net.peers[prs[i].id] = prs[i]
	}
	return &net
}

func (n *network) transferMessages(member uint64) {
	peer := n.peers[member]
	for i := 0; i < len(peer.messages); i++ {
		n.msgs.PushBack(peer.messages[i])
	}
	peer.messages = peer.messages[:0]
}

func (n *network) dispatchMessages() {
	for n.msgs.Len() > 0 {
		// should stable all entries before any op.
		n.stableAllEntries()

		first := n.msgs.Front()
		msg := first.Value.(clusterpd.Message)
		n.msgs.Remove(first)

		// Drop the message if the remote peer is dead or
		// the connection to remote is cut down.
		if _, ok := n.peers[msg.To]; !ok || n.cutMap[msg.From] == msg.To {
			continue
		}
		n.peers[msg.To].Step(&msg)
		n.transferMessages(msg.To)
	}
}

func (n *network) startElection(member uint64) {
	n.peers[member].campaign()
	n.transferMessages(member)
	n.dispatchMessages()
}

func (n *network) propose(member uint64, data []byte) (uint64, uint64) {
	pos, term, isLeader := n.peers[member].Propose(clusterpd.EntryNormal, data)
	if !isLeader {
		panic("propose but not leader")
	}
	return pos, term
}

func (n *network) peer(member uint64) *RawNode {
	return n.peers[member]
}

func (n *network) down(member uint64) {
	delete(n.peers, member)
}

// Cut down the connection between c1 and c2.
func (n *network) cut(c1, c2 uint64) {
	n.cutMap[c1] = c2
	n.cutMap[c2] = c1
}

// wait pos been applied on the leader, otherwise broadcast entries.
func (n *network) waitApply(pos uint64) (clusterpd.Entry, bool) {
	beg := time.Now()
	for time.Since(beg).Seconds() < 5 {
		sleep(50)
		leader := n.leader()
		peer, ok := n.peers[leader]
		if leader == conf.InvalidID || !ok {
			continue
		}
		peer.broadcastAppend()
		n.transferMessages(peer.id)
		n.dispatchMessages()

		if entry, ok := n.applied(peer.id, pos); ok {
			return entry, ok
		}
	}
	return clusterpd.Entry{}, false
}

// wait pos been committed everywhere, otherwise broadcast entries.
func (n *network) waitCommit(pos uint64) bool {
	beg := time.Now()
	for time.Since(beg).Seconds() < 5 {
		sleep(50)
		leader := n.leader()
		peer, ok := n.peers[leader]
		if leader == conf.InvalidID || !ok {
			continue
		}
		peer.broadcastAppend()
		n.transferMessages(peer.id)
		n.dispatchMessages()

		if n.allCommitted(pos) {
			return true
		}
	}
	return false
}

// return the leader of group, if no leader here, return InvalidID.
func (n *network) leader() uint64 {
	for _, rf := range n.peers {
		if rf.role == RoleLeader {
			return rf.id
		}
	}
	return conf.InvalidID
}

func (n *network) applied(member uint64, pos uint64) (clusterpd.Entry, bool) {
	peer := n.peers[member]
	for i := 0; i < len(peer.commitEntries); i++ {
		if peer.commitEntries[i].Position == pos {
			return peer.commitEntries[i], true
		}
	}
	return clusterpd.Entry{}, false
}

func (n *network) allCommitted(pos uint64) bool {
	for _, peer := range n.peers {
		if peer.log.CommitPosition() < pos {
			return false
		}
	}
	return true
}

func (n *network) stableAllEntries() {
	for _, peer := range n.peers {
		peer.log.StableEntries()
	}
}
