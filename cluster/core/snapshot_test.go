package core

import (
	"testing"

	clusterpd "github.com/m7ller/flock/cluster/proto"
)

func TestCore_handleSnapshot(t *testing.T) {
	app := &testApp{}
	e := makeTestEngine(1, []uint64{1, 2}, 10, 1, nil, app)
	app.engine = e

	snapshot := &clusterpd.Snapshot{
		Metadata: clusterpd.SnapshotMetadata{Position: 10, Term: 1},
		Data:     []byte("image"),
	}
	e.Step(&clusterpd.Message{MsgType: clusterpd.MsgSnapshotRequest,
		From: 2, Term: 1, Snapshot: snapshot})

	if len(app.installed) != 1 {
		t.Fatalf("installs want: 1, get: %d", len(app.installed))
	}
	if e.log.LastPosition() != 10 {
		t.Fatalf("last position want: 10, get: %d", e.log.LastPosition())
	}
	if e.leaderID != 2 {
		t.Fatalf("leader want: 2, get: %d", e.leaderID)
	}
	if len(e.messages) != 1 {
		t.Fatalf("messages want: 1, get: %d", len(e.messages))
	}
	reply := e.messages[0]
	if reply.MsgType != clusterpd.MsgSnapshotResponse ||
		reply.Reject || reply.Position != 10 {
		t.Fatalf("unexpected reply: %v", reply)
	}
	e.messages = e.messages[:0]

	// an expired install is acknowledged without restoring
	stale := &clusterpd.Snapshot{
		Metadata: clusterpd.SnapshotMetadata{Position: 8, Term: 1},
	}
	e.Step(&clusterpd.Message{MsgType: clusterpd.MsgSnapshotRequest,
		From: 2, Term: 1, Snapshot: stale})

	if len(app.installed) != 1 {
		t.Fatalf("stale install must be ignored, installs: %d", len(app.installed))
	}
	if len(e.messages) != 1 || e.messages[0].Reject {
		t.Fatalf("unexpected reply: %v", e.messages)
	}
}

func TestCore_SendSnapshotToLaggingMember(t *testing.T) {
	app := &testApp{}
	e := makeTestEngine(1, []uint64{1, 2}, 10, 1, makeEntries(1, 2, 3, 4, 5),
		app, term(5))

	e.campaign()
	e.Step(&clusterpd.Message{MsgType: clusterpd.MsgVoteResponse,
		From: 2, Term: 6, Reject: false})
	if !e.role.IsLeader() {
		t.Fatalf("role want: Leader, get: %v", e.role)
	}
	e.messages = e.messages[:0]

	// compact past the member's next position
	e.log.CommitTo(5)
	e.log.ApplyEntries()
	e.ApplySnapshot(&clusterpd.SnapshotMetadata{Position: 4, Term: 4})

	member := e.getMemberByID(2)
	member.ToProbe(3)

	// while the image is being rebuilt there is nothing to send
	e.broadcastAppend()
	if len(e.messages) != 0 {
		t.Fatalf("messages want: 0, get: %d", len(e.messages))
	}

	app.snapshot = &clusterpd.Snapshot{
		Metadata: clusterpd.SnapshotMetadata{Position: 4, Term: 4},
		Data:     []byte("image"),
	}
	e.broadcastAppend()

	if len(e.messages) != 1 {
		t.Fatalf("messages want: 1, get: %d", len(e.messages))
	}
	msg := e.messages[0]
	if msg.MsgType != clusterpd.MsgSnapshotRequest || msg.To != 2 ||
		msg.Snapshot.Metadata.Position != 4 {
		t.Fatalf("unexpected message: %v", msg)
	}
	if !member.IsPaused() {
		t.Fatal("replication must pause during a snapshot install")
	}

	// the acknowledged install resumes replication after the snapshot
	e.Step(&clusterpd.Message{MsgType: clusterpd.MsgSnapshotResponse,
		From: 2, Term: 6, Reject: false, Position: 4})
	if member.IsPaused() || member.NextPos != 5 {
		t.Fatalf("member want probing at 5, get: paused %v, next %d",
			member.IsPaused(), member.NextPos)
	}
}
