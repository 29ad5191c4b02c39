package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core/conf"
	"github.com/m7ller/flock/cluster/core/holder"
	"github.com/m7ller/flock/cluster/core/peer"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/utils"
)

type application interface {
	// send message to other member.
	send(msg *clusterpd.Message)

	// applyEntry apply committed entry to the service layer.
	applyEntry(entry *clusterpd.Entry)

	// applySnapshot install snapshot into the service layer.
	// When the snapshot has been persisted, the application must call
	// ApplySnapshot so the engine rebuilds its log window.
	applySnapshot(snapshot *clusterpd.Snapshot)

	// readSnapshot return the latest persisted snapshot, or nil when
	// one is being produced right now.
	readSnapshot() *clusterpd.Snapshot
}

type core struct {
	// Fields need to be persistent.
	term uint64            // current term
	vote uint64            // vote cast this term
	log  *holder.LogHolder // log holder

	// Fields just keep in memory.
	id uint64 // local member id

	// last leader id. If no leader message arrives for long enough,
	// set InvalidID.
	leaderID uint64
	role     Role           // current role
	members  []*peer.Member // the other members of the cluster.

	// Fields for time.
	timeElapsed            int // total elapsed since last leader contact
	randomizedElectionTick int // randomized election timeout
	electionTick           int // basis election timeout
	heartbeatTick          int // heartbeat timeout

	// Other fields.
	maxSizePerMsg uint
	callback      application
}

func makeCore(config *conf.Config, callback application) *core {
	c := new(core)

	// Initialize persistence fields.
	c.vote = config.Vote
	c.term = config.Term
	if config.Entries == nil {
		c.log = holder.MakeLogHolder(config.ID, conf.InvalidPosition, conf.InvalidTerm)
	} else {
		c.log = holder.RebuildLogHolder(config.ID, config.Entries)
	}

	// Initialize memory fields.
	c.id = config.ID
	c.leaderID = conf.InvalidID
	c.role = RoleFollower

	/* make members */
	c.members = make([]*peer.Member, 0)
	lastPosition := c.log.LastPosition()
	for i := 0; i < len(config.Members); i++ {
		if config.Members[i] != c.id {
			member := peer.MakeMember(c.id, config.Members[i], lastPosition+1)
			c.members = append(c.members, member)
		}
	}

	// Initialize time fields.
	c.timeElapsed = 0
	c.electionTick = config.ElectionTick
	c.heartbeatTick = config.HeartbeatTick
	c.resetRandomizedElectionTimeout()

	c.callback = callback
	c.maxSizePerMsg = config.MaxSizePerMsg

	utils.Assert(c.log.LastPosition() >= c.log.CommitPosition(),
		"%d [term: %d] last pos: %d less than commit: %d",
		c.id, c.term, c.log.LastPosition(), c.log.CommitPosition())

	log.Debugf("%d build engine at term: %d [firstPos: %d, lastPos: %d, commitPos: %d]",
		c.id, c.term, c.log.FirstPosition(), c.log.LastPosition(), c.log.CommitPosition())

	return c
}

func (c *core) ReadSoftState() SoftState {
	return SoftState{
		LeaderID:     c.leaderID,
		Role:         c.role,
		LastPosition: c.log.LastPosition(),
	}
}

func (c *core) ReadHardState() clusterpd.HardState {
	return clusterpd.HardState{
		Vote:   c.vote,
		Term:   c.term,
		Commit: c.log.CommitPosition(),
	}
}

// Propose append one entry of the given type at the next free position
// tagged with the current term. Only the leader admits proposals.
func (c *core) Propose(tp clusterpd.EntryType, data []byte) (
	position uint64, term uint64, isLeader bool) {
	if !c.role.IsLeader() {
		return conf.InvalidPosition, conf.InvalidTerm, false
	}

	entry := clusterpd.Entry{
		Position: c.log.LastPosition() + 1,
		Term:     c.term,
		Type:     tp,
		Data:     data,
	}

	// Leader Append-Only: a leader never overwrites or deletes
	// entries in its log; it only appends new entries. §5.3
	c.log.Append([]clusterpd.Entry{entry})

	// a single-member cluster commits on its own acknowledgment.
	c.poll(entry.Position)
	c.applyEntries()

	return entry.Position, entry.Term, true
}

func (c *core) Step(msg *clusterpd.Message) {
	log.Debugf("%d received msg: %v", c.id, msg)

	if msg.Term < c.term {
		log.Debugf("%d [term: %d] ignore a %v message with lower term from: %d [term: %d]",
			c.id, c.term, msg.MsgType, msg.From, msg.Term)
		c.reject(msg)
		return
	} else if msg.Term > c.term {
		log.Infof("%d [term: %d] receive a %v message with higher term from %d [term: %d]",
			c.id, c.term, msg.MsgType, msg.From, msg.Term)
		// leader id will be learned from the next real leader message.
		c.becomeFollower(msg.Term, conf.InvalidID)
	}

	if msg.MsgType == clusterpd.MsgVoteRequest {
		c.handleVote(msg)
	} else {
		c.dispatch(msg)
	}

	/* apply entries to the service layer after handling remote msg */
	c.applyEntries()
}

// Periodic advance the engine clock. Deadline checks happen here, once
// per duty-cycle tick, never from asynchronous callbacks.
func (c *core) Periodic(msSinceLastPeriod int) {
	c.timeElapsed += msSinceLastPeriod

	if c.role.IsLeader() {
		if c.heartbeatTick <= c.timeElapsed {
			c.timeElapsed = 0
			c.broadcastHeartbeat()
			c.broadcastAppend()
		}
	} else if c.randomizedElectionTick <= c.timeElapsed {
		c.campaign()
	}
}

// ApplySnapshot rebuild the log window after a snapshot was persisted,
// either taken locally at an applied position or installed from the
// leader. Entries at or below the snapshot position are pruned.
func (c *core) ApplySnapshot(metadata *clusterpd.SnapshotMetadata) {
	c.log.CompactTo(metadata.Position, metadata.Term)
}
