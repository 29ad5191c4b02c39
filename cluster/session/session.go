// Package session tracks the client sessions of the replicated state
// machine. The session table is part of the replicated state: it only
// changes when committed entries are applied, so every replica holds an
// identical table at the same log position and a snapshot of it can be
// restored on any member.
package session

import (
	"sort"
)

// responseCacheSize bounds how many responses a session retains for
// duplicate replay. A client retries at most a handful of in-flight
// messages, so a small window is enough.
const responseCacheSize = 16

// appliedSetSize bounds how many out-of-order correlation IDs a session
// tracks above its ack floor before the floor is forced upward.
const appliedSetSize = 1024

// Session is one open client session. All fields are exported for the
// snapshot codec; mutate them only through Manager.
type Session struct {
	ID              uint64
	ResponseChannel string
	OpenedAt        int64
	LastActivity    int64

	// AckFloor is the correlation ID below which everything was
	// applied; Applied tracks the IDs above it that arrived out of
	// order. Together they cover retries of old commands without
	// swallowing fresh ones the client sent on another connection.
	AckFloor uint64
	Applied  map[uint64]bool

	// Responses caches the latest responses by correlation ID so a
	// duplicate can be answered without re-applying the command.
	Responses map[uint64][]byte

	// ResponseOrder holds the cached correlation IDs oldest first.
	ResponseOrder []uint64
}

// IsDuplicate reports whether the correlation ID was already applied.
func (s *Session) IsDuplicate(correlationID uint64) bool {
	return correlationID <= s.AckFloor || s.Applied[correlationID]
}

func (s *Session) markApplied(correlationID uint64) {
	if s.IsDuplicate(correlationID) {
		return
	}
	s.Applied[correlationID] = true
	for s.Applied[s.AckFloor+1] {
		s.AckFloor++
		delete(s.Applied, s.AckFloor)
	}
	// a client skipping wide ID ranges must not grow the set without
	// bound; force the floor up to the lowest tracked ID when it does
	for len(s.Applied) > appliedSetSize {
		lowest := correlationID
		for id := range s.Applied {
			if id < lowest {
				lowest = id
			}
		}
		s.AckFloor = lowest
		delete(s.Applied, lowest)
	}
}

// CachedResponse returns the stored response for a duplicate, if the
// cache still holds it.
func (s *Session) CachedResponse(correlationID uint64) ([]byte, bool) {
	data, ok := s.Responses[correlationID]
	return data, ok
}

func (s *Session) recordResponse(correlationID uint64, response []byte) {
	if _, exists := s.Responses[correlationID]; !exists {
		s.ResponseOrder = append(s.ResponseOrder, correlationID)
	}
	s.Responses[correlationID] = response
	for len(s.ResponseOrder) > responseCacheSize {
		delete(s.Responses, s.ResponseOrder[0])
		s.ResponseOrder = s.ResponseOrder[1:]
	}
}

// Manager owns the session table of one replica.
type Manager struct {
	sessions  map[uint64]*Session
	timeoutMs int64
}

func MakeManager(timeoutMs int64) *Manager {
	return &Manager{
		sessions:  make(map[uint64]*Session),
		timeoutMs: timeoutMs,
	}
}

// Open adds a session. The ID is the log position of the committed
// open entry and now is the cluster time at that entry.
func (m *Manager) Open(id uint64, responseChannel string, now int64) *Session {
	session := &Session{
		ID:              id,
		ResponseChannel: responseChannel,
		OpenedAt:        now,
		LastActivity:    now,
		Applied:         make(map[uint64]bool),
		Responses:       make(map[uint64][]byte),
	}
	m.sessions[id] = session
	return session
}

func (m *Manager) Get(id uint64) (*Session, bool) {
	session, ok := m.sessions[id]
	return session, ok
}

func (m *Manager) Close(id uint64) (*Session, bool) {
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return session, ok
}

func (m *Manager) Count() int {
	return len(m.sessions)
}

// Advance records the application of a command: it marks the
// correlation ID applied, refreshes the activity clock and caches the
// response (nil responses are not cached).
func (m *Manager) Advance(session *Session, correlationID uint64, response []byte, now int64) {
	session.markApplied(correlationID)
	session.LastActivity = now
	if response != nil {
		session.recordResponse(correlationID, response)
	}
}

// Expired returns the IDs of sessions idle past the timeout, ordered
// ascending so every replica observes the same sequence.
func (m *Manager) Expired(now int64) []uint64 {
	var ids []uint64
	for id, session := range m.sessions {
		if now-session.LastActivity >= m.timeoutMs {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns the open sessions ordered by ID.
func (m *Manager) All() []*Session {
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}
