package core

import (
	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
)

// Engine drives the consensus algorithm: role & election state plus
// log replication, exposed to a single-threaded duty cycle.
type Engine interface {
	// Read status of the engine.
	ReadSoftState() SoftState
	ReadHardState() clusterpd.HardState
	ReadStatus() (term uint64, isLeader bool)

	// Feed the engine.
	Step(msg *clusterpd.Message)
	Periodic(msSinceLastPeriod int)
	Unreachable(member uint64)

	// Propose first test whether the current role is leader, if true
	// appends the entry and returns its position and term; otherwise
	// it returns false and the caller should back-pressure the client.
	Propose(tp clusterpd.EntryType, data []byte) (uint64, uint64, bool)

	// ApplySnapshot prune the engine's log window after a snapshot was
	// persisted (taken locally or installed from the leader).
	ApplySnapshot(metadata *clusterpd.SnapshotMetadata)

	// Ready drain accumulated outputs for the duty cycle to act on.
	Ready() Ready
}

// MakeEngine return an Engine built from config.
func MakeEngine(config *conf.Config, app NodeApplication) Engine {
	return MakeRawNode(config, app)
}
