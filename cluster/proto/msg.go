package clusterpd

import "encoding/gob"

// MessageType enumerates the consensus protocol messages.
type MessageType int

// Message from local:
// - Unreachable	infer whether remote is online, generated by the
//	local transport when a send fails.
//
// Message from leader:
// - Append request
// - Snapshot request
// - Heartbeat request
//
// Message from follower:
// - Append response
// - Snapshot response
// - Heartbeat response
//
// Message from candidate:
// - Vote request
//
// Message from all member:
// - Vote response
const (
	MsgAppendRequest MessageType = iota
	MsgAppendResponse
	MsgVoteRequest
	MsgVoteResponse
	MsgSnapshotRequest
	MsgSnapshotResponse
	MsgHeartbeatRequest
	MsgHeartbeatResponse
	MsgUnreachable
)

var messageTypeString = []string{
	"Append request",
	"Append response",
	"Vote request",
	"Vote response",
	"Snapshot request",
	"Snapshot response",
	"Heartbeat request",
	"Heartbeat response",
	"Unreachable",
}

func (tp MessageType) String() string {
	return messageTypeString[tp]
}

// Message is the single envelope for all consensus traffic.
//
// Position carries the leader commit position on append and heartbeat
// requests, and the follower's highest contiguous appended position on
// responses. LogPosition/LogTerm carry the (prevLogPosition, prevLogTerm)
// consistency check on append requests, and the candidate's last entry
// coordinates on vote requests.
type Message struct {
	MsgType              MessageType
	From, To             uint64
	Position, Term       uint64
	LogPosition, LogTerm uint64
	Reject               bool
	RejectHint           uint64
	Entries              []Entry
	Snapshot             *Snapshot
}

func (m *Message) Reset() { *m = Message{} }

func init() {
	gob.Register(Message{})
}
