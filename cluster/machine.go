package cluster

// StateMachine is the replicated service hosted by a member. Apply is
// invoked with committed commands in log order on every member, so it
// must be deterministic: same sequence of calls, same state, same
// responses. The only clock it may consult is the timestamp argument,
// which is the committed cluster time at the command's entry.
type StateMachine interface {
	// Apply executes one committed command and returns the response to
	// route back to the session, or nil when there is none.
	Apply(sessionID, correlationID uint64, payload []byte, timestamp int64) []byte

	// TakeSnapshot serializes the machine state at the current applied
	// position.
	TakeSnapshot() ([]byte, error)

	// RestoreSnapshot replaces the machine state with a snapshotted
	// image.
	RestoreSnapshot(data []byte) error
}
