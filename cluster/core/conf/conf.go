package conf

import (
	"math"

	log "github.com/sirupsen/logrus"
	clusterpd "github.com/m7ller/flock/cluster/proto"
)

// Sentinel values for the engine.
const (
	InvalidPosition uint64 = 0
	InvalidID       uint64 = math.MaxUint64
	InvalidTerm     uint64 = 0
)

// Config given information to build the consensus engine.
type Config struct {
	// ID is the identity of the local member. id cannot be 0.
	ID uint64

	// Vote and Term restore the persisted election state; use
	// InvalidID/InvalidTerm on first boot.
	Vote uint64
	Term uint64

	// ElectionTick is the number of milliseconds of Periodic time that
	// must pass without leader contact before a follower campaigns. The
	// effective timeout is randomized within [ElectionTick, 2*ElectionTick)
	// to reduce split-vote collisions. ElectionTick must be well above
	// HeartbeatTick; ElectionTick = 10 * HeartbeatTick is a good shape.
	ElectionTick int

	// HeartbeatTick is the number of milliseconds between leader
	// heartbeats that suppress follower election timers.
	HeartbeatTick int

	// MaxSizePerMsg bounds the payload bytes of one append message.
	MaxSizePerMsg uint

	// Members is the static membership, local member included.
	Members []uint64

	// Entries rebuilds the log holder on recovery; nil on first boot.
	Entries []clusterpd.Entry
}

// Verify check whether fields of Config are valid.
func (c *Config) Verify() bool {
	if c.ID == 0 {
		log.Panicf("ID cannot be zero")
	}

	if c.HeartbeatTick <= 0 {
		log.Panicf("heartbeat tick must be great than zero")
	}

	if c.ElectionTick <= c.HeartbeatTick {
		log.Panicf("election tick must be great than heartbeat tick")
	}

	if len(c.Members) == 0 {
		log.Panicf("membership cannot be empty")
	}

	return true
}
