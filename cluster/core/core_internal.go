package core

import (
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core/conf"
	"github.com/m7ller/flock/cluster/core/peer"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/utils"
)

func quorum(members int) int {
	return members/2 + 1
}

// send stamp the local identity and term, then hand the message to the
// application's transport.
func (c *core) send(msg *clusterpd.Message) {
	msg.Term = c.term
	msg.From = c.id
	c.callback.send(msg)
}

func (c *core) resetRandomizedElectionTimeout() {
	previousTimeout := c.randomizedElectionTick
	c.randomizedElectionTick =
		c.electionTick + rand.Intn(c.electionTick)

	log.Debugf("%d reset randomized election timeout [%d => %d]",
		c.id, previousTimeout, c.randomizedElectionTick)
}

func (c *core) resetLease() {
	c.timeElapsed = 0
	c.resetRandomizedElectionTimeout()
}

func (c *core) reset(term uint64) {
	if c.term != term {
		c.term = term
		c.vote = conf.InvalidID
	}
	c.leaderID = conf.InvalidID
	c.resetLease()
}

func (c *core) becomeFollower(term, leaderID uint64) {
	c.reset(term)
	c.leaderID = leaderID
	c.role = RoleFollower

	if leaderID != conf.InvalidID {
		log.Debugf("%d become %d's follower at %d", c.id, leaderID, c.term)
	} else {
		log.Debugf("%d become follower at %d, without leader", c.id, c.term)
	}
}

func (c *core) becomeLeader() {
	utils.Assert(c.role == RoleCandidate,
		"%d invalid translation [%v => Leader]", c.id, c.role)
	utils.Assert(c.vote == c.id, "leader must have voted for itself")

	c.resetLease()
	c.leaderID = c.id
	c.role = RoleLeader

	log.Infof("%d become leader at %d [firstPos: %d, lastPos: %d]",
		c.id, c.term, c.log.FirstPosition(), c.log.LastPosition())
}

func (c *core) becomeCandidate() {
	utils.Assert(c.role != RoleLeader,
		"%d invalid translation [Leader => Candidate]", c.id)

	c.reset(c.term + 1)
	c.vote = c.id
	c.role = RoleCandidate

	c.resetMembersVoteState()

	log.Debugf("%d become candidate at %d", c.id, c.term)
}

func (c *core) campaign() {
	c.becomeCandidate()

	// a single-member cluster wins its own election immediately.
	if c.voteStateCount(peer.VoteGranted)+1 >= c.quorum() {
		c.becomeLeader()
		c.broadcastVictory()
		return
	}

	msg := clusterpd.Message{
		LogPosition: c.log.LastPosition(),
		LogTerm:     c.log.LastTerm(),
		MsgType:     clusterpd.MsgVoteRequest,
	}
	c.sendToMembers(&msg)
}

func (c *core) sendToMembers(msg *clusterpd.Message) {
	for i := 0; i < len(c.members); i++ {
		member := c.members[i]
		msg.To = member.ID

		log.Debugf("%d [term: %d, pos: %d] send %v request to %d at term %d",
			c.id, c.log.LastTerm(), c.log.LastPosition(), msg.MsgType, msg.To, c.term)
		c.send(msg)
	}
}

func (c *core) quorum() int {
	return quorum(len(c.members) + 1)
}

// poll commit all that can commit.
// If there exists an N such that N > commitPosition, a majority of
// matched[i] ≥ N, and log[N].term == currentTerm:
// set commitPosition = N. §5.3, §5.4
func (c *core) poll(pos uint64) {
	if pos <= c.log.CommitPosition() || c.log.Term(pos) != c.term {
		/* already committed, or old term's log entry */
		return
	}
	count := 1
	for i := 0; i < len(c.members); i++ {
		if c.members[i].Matched >= pos {
			count++
		}
	}

	if count >= c.quorum() {
		c.log.CommitTo(pos)
	}
}

func (c *core) getMemberByID(memberID uint64) *peer.Member {
	for i := 0; i < len(c.members); i++ {
		if c.members[i].ID == memberID {
			return c.members[i]
		}
	}
	return nil
}

// broadcastVictory commit an empty entry first so prior-term entries
// can be pulled over the commit line, and reset every member that was
// recently active to replicate state, otherwise probe state.
func (c *core) broadcastVictory() {
	/* noop: empty entry ensures committing old term logs */
	entry := clusterpd.Entry{
		Type:     clusterpd.EntryBroadcast,
		Position: c.nextPosition(),
		Term:     c.term,
	}
	c.log.Append([]clusterpd.Entry{entry})
	c.poll(entry.Position)

	c.resetMembersProgress()

	log.Debugf("%d [term: %d] begin broadcast self's victory", c.id, c.term)

	c.broadcastAppend()
	c.applyEntries()
}

func (c *core) reject(msg *clusterpd.Message) {
	var tp clusterpd.MessageType
	switch msg.MsgType {
	case clusterpd.MsgAppendRequest:
		tp = clusterpd.MsgAppendResponse
	case clusterpd.MsgHeartbeatRequest:
		tp = clusterpd.MsgHeartbeatResponse
	case clusterpd.MsgSnapshotRequest:
		tp = clusterpd.MsgSnapshotResponse
	case clusterpd.MsgVoteRequest:
		tp = clusterpd.MsgVoteResponse
	default:
		return
	}

	m := clusterpd.Message{
		To:      msg.From,
		Reject:  true,
		MsgType: tp,
	}

	c.send(&m)
}

func (c *core) applyEntries() {
	entries := c.log.ApplyEntries()
	for i := 0; i < len(entries); i++ {
		c.callback.applyEntry(&entries[i])
	}
}

func (c *core) resetMembersVoteState() {
	for i := 0; i < len(c.members); i++ {
		c.members[i].ResetVoteState()
	}
}

func (c *core) resetMembersProgress() {
	// When a leader first comes to power, it initializes all next
	// positions to the position just after the last one in its log.
	nextPosition := c.nextPosition()
	for i := 0; i < len(c.members); i++ {
		c.members[i].ToProbe(nextPosition)
	}
}

func (c *core) nextPosition() uint64 {
	return c.log.LastPosition() + 1
}

// voteStateCount counts remote members in the given vote state; the
// candidate's own vote is not included.
func (c *core) voteStateCount(state peer.VoteState) int {
	var count int
	for i := 0; i < len(c.members); i++ {
		if c.members[i].Vote == state {
			count++
		}
	}
	return count
}
