package clusterpd

import "encoding/gob"

// Payloads carried inside log entries. Every replica decodes the same
// committed bytes, so anything here must be deterministic.

// SessionOpen is the payload of an EntrySessionOpen entry. The session
// ID is not in the payload: it is the position of the committed entry,
// which every replica derives identically.
type SessionOpen struct {
	ResponseChannel string
}

func (s *SessionOpen) Reset() { *s = SessionOpen{} }

// SessionClose is the payload of an EntrySessionClose entry.
type SessionClose struct {
	SessionID uint64
	Reason    CloseReason
}

func (s *SessionClose) Reset() { *s = SessionClose{} }

type CloseReason int32

const (
	CloseByClient CloseReason = iota + 1
	CloseByTimeout
	CloseByRejection
)

func (r CloseReason) String() string {
	switch r {
	case CloseByClient:
		return "client"
	case CloseByTimeout:
		return "timeout"
	case CloseByRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// Command is the payload of an EntryNormal entry: one client message
// bound for the state machine.
type Command struct {
	SessionID     uint64
	CorrelationID uint64
	Payload       []byte
}

func (c *Command) Reset() { *c = Command{} }

// Timestamp is the payload of an EntryTimestamp entry. Committed
// timestamps are the only clock replicas may read, so time-dependent
// behavior replays identically.
type Timestamp struct {
	UnixMilli int64
}

func (t *Timestamp) Reset() { *t = Timestamp{} }

// SnapshotMark is the payload of an EntrySnapshotMarker entry. Each
// replica that applies it takes a snapshot at the marker's position.
type SnapshotMark struct {
	LeaderID uint64
}

func (m *SnapshotMark) Reset() { *m = SnapshotMark{} }

// Ingress and egress frames exchanged with clients over the transport
// bus.

type IngressKind int32

const (
	IngressOpenSession IngressKind = iota + 1
	IngressCloseSession
	IngressCommand
	IngressKeepAlive
)

// Ingress is one frame published by a client to a member's ingress
// channel.
type Ingress struct {
	Kind            IngressKind
	ResponseChannel string
	SessionID       uint64
	CorrelationID   uint64
	Payload         []byte
}

func (i *Ingress) Reset() { *i = Ingress{} }

type EgressKind int32

const (
	EgressSessionOpened EgressKind = iota + 1
	EgressSessionClosed
	EgressSessionRejected
	EgressResponse
	EgressRedirect
)

// Egress is one frame published by the leader to a session's response
// channel.
type Egress struct {
	Kind          EgressKind
	SessionID     uint64
	CorrelationID uint64
	LeaderID      uint64
	Payload       []byte
}

func (e *Egress) Reset() { *e = Egress{} }

func init() {
	gob.Register(SessionOpen{})
	gob.Register(SessionClose{})
	gob.Register(Command{})
	gob.Register(Timestamp{})
	gob.Register(SnapshotMark{})
	gob.Register(Ingress{})
	gob.Register(Egress{})
}
