package session

import (
	"github.com/m7ller/flock/cluster/snap"
)

// tableImage is the serialized session table. Sessions are ordered by
// ID so two replicas snapshotting at the same position produce byte
// identical images.
type tableImage struct {
	Sessions []*Session
}

// Snapshot serializes the session table.
func (m *Manager) Snapshot() ([]byte, error) {
	return snap.Encode(&tableImage{Sessions: m.All()})
}

// Restore replaces the session table with a snapshotted one.
func (m *Manager) Restore(data []byte) error {
	image := tableImage{}
	if err := snap.Decode(data, &image); err != nil {
		return err
	}

	m.sessions = make(map[uint64]*Session, len(image.Sessions))
	for _, session := range image.Sessions {
		if session.Applied == nil {
			session.Applied = make(map[uint64]bool)
		}
		if session.Responses == nil {
			session.Responses = make(map[uint64][]byte)
		}
		m.sessions[session.ID] = session
	}
	return nil
}
