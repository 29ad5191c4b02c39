package clusterpd

import (
	"encoding/gob"
	"fmt"
)

// HardState is the part of consensus state that must hit stable
// storage before any message referencing it is sent.
type HardState struct {
	Vote   uint64
	Term   uint64
	Commit uint64
}

func (s *HardState) Reset() { *s = HardState{} }

func (s HardState) String() string {
	return fmt.Sprintf("clusterpd.HardState{vote: %d, term: %d, commit: %d}",
		s.Vote, s.Term, s.Commit)
}

// EntryType tags what a log entry means to the service execution loop.
type EntryType int

// Entry kinds. Broadcast is the empty entry a fresh leader commits to
// pull prior-term entries over the commit line. SessionOpen/SessionClose
// drive the session table deterministically on every member. A
// SnapshotMarker designates the position all members snapshot at, and a
// Timestamp entry advances cluster time.
const (
	EntryNormal EntryType = iota
	EntryBroadcast
	EntrySessionOpen
	EntrySessionClose
	EntrySnapshotMarker
	EntryTimestamp
)

var entryTypeString = []string{
	"Normal",
	"Broadcast",
	"SessionOpen",
	"SessionClose",
	"SnapshotMarker",
	"Timestamp",
}

func (t EntryType) String() string {
	return entryTypeString[t]
}

// Entry is one immutable slot of the replicated log. Position is
// assigned by the leader at append time and never reused.
type Entry struct {
	Position uint64
	Term     uint64
	Type     EntryType
	Data     []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("clusterpd.Entry{pos: %d, term: %d, type: %v, %d bytes}",
		e.Position, e.Term, e.Type, len(e.Data))
}

// SnapshotMetadata records the log coordinates a snapshot supersedes.
type SnapshotMetadata struct {
	Position uint64
	Term     uint64
}

func (m *SnapshotMetadata) Reset() { *m = SnapshotMetadata{} }

// Snapshot is an immutable image of the state machine plus the session
// table, valid for all entries at or below Metadata.Position.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

func (s *Snapshot) Reset() { *s = Snapshot{} }

func init() {
	gob.Register(Entry{})
	gob.Register(HardState{})
	gob.Register(SnapshotMetadata{})
	gob.Register(Snapshot{})
}
