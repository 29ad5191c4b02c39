package core

import (
	"bytes"
	"testing"

	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
)

func TestCore_ProposeRequiresLeader(t *testing.T) {
	e := makeTestEngine(1, []uint64{1, 2, 3}, 10, 1, nil, &testApp{})

	pos, trm, isLeader := e.Propose(clusterpd.EntryNormal, []byte("x"))
	if isLeader {
		t.Fatal("follower must refuse proposals")
	}
	if pos != conf.InvalidPosition || trm != conf.InvalidTerm {
		t.Fatalf("want invalid coordinates, get: pos %d, term %d", pos, trm)
	}
}

func TestCore_AgreeOnValue(t *testing.T) {
	members := []uint64{1, 2, 3}
	peers := []*RawNode{}
	for _, id := range members {
		peers = append(peers, makeTestEngine(id, members, 10, 1, nil, &testApp{}))
	}
	net := makeNetwork(peers...)
	net.startElection(1)

	data := []byte("hello")
	pos, _ := net.propose(1, data)

	if !net.waitCommit(pos) {
		t.Fatalf("position %d never committed", pos)
	}
	entry, ok := net.waitApply(pos)
	if !ok {
		t.Fatalf("position %d never applied on the leader", pos)
	}
	if !bytes.Equal(entry.Data, data) {
		t.Fatalf("applied data want: %q, get: %q", data, entry.Data)
	}
}

func TestCore_handleAppendEntries(t *testing.T) {
	tests := []struct {
		origin  []clusterpd.Entry
		commit  uint64
		msg     clusterpd.Message
		wreject bool
		wpos    uint64
	}{
		// append on an empty log
		{
			nil, 0,
			clusterpd.Message{MsgType: clusterpd.MsgAppendRequest,
				From: 2, Term: 1, LogPosition: 0, LogTerm: 0,
				Entries: makeEntries(1)},
			false, 1,
		},
		// duplicates below the commit line answer like a success
		{
			makeEntries(1, 2, 3), 3,
			clusterpd.Message{MsgType: clusterpd.MsgAppendRequest,
				From: 2, Term: 3, LogPosition: 1, LogTerm: 1,
				Entries: makeEntries(2, 3)},
			false, 3,
		},
		// missing consistency point is rejected, echoing the failed position
		{
			makeEntries(1, 2, 3), 0,
			clusterpd.Message{MsgType: clusterpd.MsgAppendRequest,
				From: 2, Term: 3, LogPosition: 5, LogTerm: 5,
				Entries: makeEntries(6)},
			true, 5,
		},
	}

	for i, test := range tests {
		e := makeTestEngine(1, []uint64{1, 2}, 10, 1, test.origin,
			&testApp{}, term(test.msg.Term))
		if test.commit > 0 {
			e.log.CommitTo(test.commit)
		}

		e.Step(&test.msg)

		if len(e.messages) != 1 {
			t.Fatalf("#%d: messages want: 1, get: %d", i, len(e.messages))
		}
		reply := e.messages[0]
		if reply.MsgType != clusterpd.MsgAppendResponse || reply.To != test.msg.From {
			t.Fatalf("#%d: unexpected reply: %v", i, reply)
		}
		if reply.Reject != test.wreject {
			t.Fatalf("#%d: reject want: %v, get: %v", i, test.wreject, reply.Reject)
		}
		if reply.Position != test.wpos {
			t.Fatalf("#%d: position want: %d, get: %d", i, test.wpos, reply.Position)
		}
		if e.leaderID != test.msg.From {
			t.Fatalf("#%d: leader want: %d, get: %d", i, test.msg.From, e.leaderID)
		}
	}
}

func TestCore_handleHeartbeat(t *testing.T) {
	e := makeTestEngine(1, []uint64{1, 2}, 10, 1, makeEntries(1, 2, 3),
		&testApp{}, term(3))

	e.Step(&clusterpd.Message{MsgType: clusterpd.MsgHeartbeatRequest,
		From: 2, Term: 3, Position: 2})

	if e.log.CommitPosition() != 2 {
		t.Fatalf("commit want: 2, get: %d", e.log.CommitPosition())
	}
	if e.leaderID != 2 {
		t.Fatalf("leader want: 2, get: %d", e.leaderID)
	}
	if len(e.messages) != 1 {
		t.Fatalf("messages want: 1, get: %d", len(e.messages))
	}
	reply := e.messages[0]
	if reply.MsgType != clusterpd.MsgHeartbeatResponse || reply.Position != 3 {
		t.Fatalf("unexpected reply: %v", reply)
	}
}

func TestCore_LeaderHeartbeat(t *testing.T) {
	members := []uint64{1, 2, 3}
	peers := []*RawNode{}
	for _, id := range members {
		peers = append(peers, makeTestEngine(id, members, 10, 1, nil, &testApp{}))
	}
	net := makeNetwork(peers...)
	net.startElection(1)

	leader := net.peer(1)
	leader.messages = leader.messages[:0]
	leader.Periodic(1)

	var heartbeats int
	for _, msg := range leader.messages {
		if msg.MsgType == clusterpd.MsgHeartbeatRequest {
			heartbeats++
		}
	}
	if heartbeats != 2 {
		t.Fatalf("heartbeats want: 2, get: %d", heartbeats)
	}
}

func TestCore_RedeliveredAppendAckSendsNothing(t *testing.T) {
	e := makeTestEngine(1, []uint64{1, 2}, 10, 1, nil, &testApp{})
	e.campaign()
	e.Step(&clusterpd.Message{MsgType: clusterpd.MsgVoteResponse,
		From: 2, Term: 1, Reject: false})
	if !e.role.IsLeader() {
		t.Fatalf("role want: Leader, get: %v", e.role)
	}
	e.messages = e.messages[:0]

	ack := clusterpd.Message{MsgType: clusterpd.MsgAppendResponse,
		From: 2, Term: 1, Reject: false, Position: 1}

	e.Step(&ack)
	if got := e.getMemberByID(2).Matched; got != 1 {
		t.Fatalf("matched want: 1, get: %d", got)
	}
	if len(e.messages) != 0 {
		t.Fatalf("messages want: 0, get: %d", len(e.messages))
	}

	// the same ack delivered again must not provoke another append, or
	// the two members would exchange empty appends forever
	e.Step(&ack)
	if len(e.messages) != 0 {
		t.Fatalf("messages want: 0, get: %d", len(e.messages))
	}
}

func TestCore_ReadyDrainsOnce(t *testing.T) {
	e := makeTestEngine(1, []uint64{1, 2, 3}, 10, 1, nil, &testApp{})

	if rd := e.Ready(); rd.ContainsUpdates() {
		t.Fatal("fresh engine must produce an empty ready")
	}

	e.campaign()
	rd := e.Ready()
	if rd.HS == nil || rd.HS.Term != 1 || rd.HS.Vote != 1 {
		t.Fatalf("hard state want: {1, 1, 0}, get: %v", rd.HS)
	}
	if len(rd.Messages) != 2 {
		t.Fatalf("messages want: 2, get: %d", len(rd.Messages))
	}

	if rd := e.Ready(); rd.ContainsUpdates() {
		t.Fatal("drained outputs must not reappear")
	}
}

func TestCore_ReadyStableBeforeCommit(t *testing.T) {
	e := makeTestEngine(1, []uint64{1}, 10, 1, nil, &testApp{})
	e.campaign()

	// the victory broadcast entry must reach stable storage first
	rd := e.Ready()
	if len(rd.Entries) != 1 || rd.Entries[0].Position != 1 {
		t.Fatalf("stable entries want: [1], get: %v", rd.Entries)
	}
	if len(rd.CommitEntries) != 0 {
		t.Fatalf("nothing may commit before stabling, get: %v", rd.CommitEntries)
	}

	pos, _, isLeader := e.Propose(clusterpd.EntryNormal, []byte("x"))
	if !isLeader || pos != 2 {
		t.Fatalf("propose want position 2, get: %d, leader: %v", pos, isLeader)
	}

	// the stabled broadcast entry commits now, the proposal next cycle
	rd = e.Ready()
	if len(rd.Entries) != 1 || rd.Entries[0].Position != 2 {
		t.Fatalf("stable entries want: [2], get: %v", rd.Entries)
	}
	if len(rd.CommitEntries) != 1 || rd.CommitEntries[0].Position != 1 {
		t.Fatalf("commit entries want: [1], get: %v", rd.CommitEntries)
	}
}
