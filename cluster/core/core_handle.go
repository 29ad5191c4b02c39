package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core/conf"
	"github.com/m7ller/flock/cluster/core/peer"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/utils"
)

func (c *core) stepLeader(msg *clusterpd.Message) {
	switch msg.MsgType {
	case clusterpd.MsgHeartbeatResponse:
		c.handleHeartbeatResponse(msg)
	case clusterpd.MsgSnapshotResponse:
		c.handleSnapshotResponse(msg)
	case clusterpd.MsgAppendResponse:
		c.handleAppendEntriesResponse(msg)
	case clusterpd.MsgUnreachable:
		c.handleUnreachable(msg)
	}
}

func (c *core) stepFollower(msg *clusterpd.Message) {
	switch msg.MsgType {
	case clusterpd.MsgAppendRequest:
		c.handleAppendEntries(msg)
	case clusterpd.MsgHeartbeatRequest:
		c.handleHeartbeat(msg)
	case clusterpd.MsgSnapshotRequest:
		c.handleSnapshot(msg)
	}
}

func (c *core) stepCandidate(msg *clusterpd.Message) {
	switch msg.MsgType {
	case clusterpd.MsgVoteResponse:
		c.handleVoteResponse(msg)

		// If a candidate receives an append, heartbeat or snapshot
		// message from another member claiming to be leader whose term
		// is at least as large as the candidate's current term, it
		// recognizes the leader as legitimate and returns to follower.
	case clusterpd.MsgAppendRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleAppendEntries(msg)
	case clusterpd.MsgHeartbeatRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleHeartbeat(msg)
	case clusterpd.MsgSnapshotRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleSnapshot(msg)
	}
}

func (c *core) dispatch(msg *clusterpd.Message) {
	switch c.role {
	case RoleLeader:
		c.stepLeader(msg)
	case RoleFollower:
		c.stepFollower(msg)
	case RoleCandidate:
		c.stepCandidate(msg)
	}
}

// RPC:
// - AppendEntries(commitPosition, prevLogPosition, prevLogTerm, entries)
// - AppendEntriesReply(position, hint, reject)
func (c *core) handleAppendEntries(msg *clusterpd.Message) {
	c.leaderID = msg.From
	c.timeElapsed = 0

	reply := clusterpd.Message{}
	reply.MsgType = clusterpd.MsgAppendResponse
	reply.To = msg.From
	if c.log.CommitPosition() > msg.LogPosition {
		log.Debugf("%d [term: %d, commit: %d] reject expired append entries "+
			"from %d [logterm: %d, pos: %d]", c.id, c.term, c.log.CommitPosition(),
			msg.From, msg.LogTerm, msg.LogPosition)
		// expired append entries have been committed,
		// so the reply is the same as a successful append.
		reply.Position = c.log.CommitPosition()
		reply.Reject = false
		c.send(&reply)
	} else if pos, ok := c.log.TryAppend(msg.LogPosition, msg.LogTerm, msg.Entries); ok {
		log.Debugf("%d [term: %d, commit: %d] accept append entries "+
			"from %d [logterm: %d, pos: %d]", c.id, c.term, c.log.CommitPosition(),
			msg.From, msg.LogTerm, msg.LogPosition)

		c.log.CommitTo(utils.MinUint64(msg.Position, pos))
		reply.Position = pos
		reply.Reject = false
		c.send(&reply)
	} else {
		log.Infof("%d [logterm: %d, commit: %d, last pos: %d] rejected append "+
			"[logterm: %d, pos: %d] from %d", c.id, c.log.Term(msg.LogPosition),
			c.log.CommitPosition(), c.log.LastPosition(), msg.LogTerm, msg.LogPosition, msg.From)
		reply.Position = msg.LogPosition
		reply.RejectHint = pos /* pos is the hint position */
		reply.Reject = true
		c.send(&reply)
	}
}

func (c *core) handleAppendEntriesResponse(msg *clusterpd.Message) {
	member := c.getMemberByID(msg.From)
	if member == nil {
		return
	}

	advanced := member.HandleAppendEntries(msg.Reject, msg.Position, msg.RejectHint)
	if advanced {
		c.poll(member.Matched)
	} else if msg.Reject && !member.IsPaused() {
		// a rejection produced a better next position; probe it right
		// away. Accepts that advance nothing are redeliveries and must
		// be dropped, or every stale ack would provoke another append.
		c.sendAppend(member)
	}
}

func (c *core) tryRestore(snapshot *clusterpd.Snapshot) bool {
	utils.AssertNotNil(snapshot, "nil snapshot install")

	if snapshot.Metadata.Position <= c.log.CommitPosition() {
		/* expired snapshot install */
		return false
	}

	if c.log.Term(snapshot.Metadata.Position) == snapshot.Metadata.Term {
		// local log already holds the snapshot point; fast-forward
		// commit instead of restoring.
		c.log.CommitTo(snapshot.Metadata.Position)
		return false
	}

	return true
}

func (c *core) handleSnapshot(msg *clusterpd.Message) {
	c.leaderID = msg.From
	c.timeElapsed = 0

	reply := clusterpd.Message{}
	reply.To = msg.From
	reply.MsgType = clusterpd.MsgSnapshotResponse
	reply.Reject = false
	if c.tryRestore(msg.Snapshot) {
		log.Infof("%d [commit: %d] restore snapshot [pos: %d, term: %d]",
			c.id, c.log.CommitPosition(), msg.Snapshot.Metadata.Position,
			msg.Snapshot.Metadata.Term)
		c.callback.applySnapshot(msg.Snapshot)
		reply.Position = c.log.LastPosition()
	} else {
		log.Infof("%d [commit: %d] ignored snapshot [pos: %d, term: %d]",
			c.id, c.log.CommitPosition(), msg.Snapshot.Metadata.Position,
			msg.Snapshot.Metadata.Term)
		reply.Position = c.log.CommitPosition()
	}
	c.send(&reply)
}

func (c *core) handleSnapshotResponse(msg *clusterpd.Message) {
	member := c.getMemberByID(msg.From)
	if member == nil {
		return
	}
	member.HandleSnapshot(msg.Reject, msg.Position)
}

func (c *core) handleUnreachable(msg *clusterpd.Message) {
	member := c.getMemberByID(msg.From)
	if member == nil {
		return
	}

	member.HandleUnreachable()
	log.Infof("%d failed to send message to %d because it is unreachable",
		c.id, msg.From)
}

func (c *core) handleHeartbeat(msg *clusterpd.Message) {
	c.leaderID = msg.From
	c.timeElapsed = 0
	c.log.CommitTo(msg.Position)

	reply := clusterpd.Message{}
	reply.To = msg.From
	reply.Reject = false
	reply.Position = c.log.LastPosition()
	reply.MsgType = clusterpd.MsgHeartbeatResponse
	c.send(&reply)
}

func (c *core) handleHeartbeatResponse(msg *clusterpd.Message) {
	member := c.getMemberByID(msg.From)
	if member == nil {
		return
	}

	// a live heartbeat answer unpauses a stalled probe; a lagging
	// member gets its append retried right away.
	member.HandleHeartbeat()
	if member.Matched < c.log.LastPosition() && !member.IsPaused() {
		c.sendAppend(member)
	}
}

// handleVote grants iff the candidate's term is current, no vote was
// cast this term (or it was cast for the same candidate), and the
// candidate's log is at least as up-to-date as ours. A granted vote
// resets the local election timer. §5.2, §5.4.1
func (c *core) handleVote(msg *clusterpd.Message) {
	reply := clusterpd.Message{}
	reply.To = msg.From
	reply.MsgType = clusterpd.MsgVoteResponse

	if (c.vote == conf.InvalidID || c.vote == msg.From) &&
		c.log.IsUpToDate(msg.LogPosition, msg.LogTerm) {
		c.vote = msg.From
		c.resetLease()
		reply.Reject = false

		log.Infof("%d [term: %d] cast vote for %d [logterm: %d, pos: %d]",
			c.id, c.term, msg.From, msg.LogTerm, msg.LogPosition)
	} else {
		reply.Reject = true

		log.Debugf("%d [term: %d, vote: %d] rejected vote for %d [logterm: %d, pos: %d]",
			c.id, c.term, c.vote, msg.From, msg.LogTerm, msg.LogPosition)
	}

	c.send(&reply)
}

func (c *core) handleVoteResponse(msg *clusterpd.Message) {
	if msg.Reject {
		log.Infof("%d received vote rejection from %d at term %d",
			c.id, msg.From, c.term)
	} else {
		log.Infof("%d received vote grant from %d at term %d",
			c.id, msg.From, c.term)
	}

	member := c.getMemberByID(msg.From)
	if member == nil {
		return
	}
	member.UpdateVoteState(msg.Reject)

	// self always votes for itself.
	granted := c.voteStateCount(peer.VoteGranted) + 1
	if granted >= c.quorum() {
		c.becomeLeader()
		c.broadcastVictory()
		return
	}

	// return to follower state on vote denial from a majority.
	if c.voteStateCount(peer.VoteReject) >= c.quorum() {
		c.becomeFollower(c.term, conf.InvalidID)
	}
}

func (c *core) broadcastHeartbeat() {
	for i := 0; i < len(c.members); i++ {
		c.sendHeartbeat(c.members[i])
	}
}

func (c *core) sendHeartbeat(member *peer.Member) {
	// Attach the commit as min(member.Matched, log.commit). The
	// follower might not be matched with the leader or might not have
	// all the committed entries; the leader must not forward the
	// follower's commit past an unmatched position, preserving the Log
	// Matching property.
	msg := clusterpd.Message{}
	msg.To = member.ID
	msg.MsgType = clusterpd.MsgHeartbeatRequest
	msg.Position = utils.MinUint64(member.Matched, c.log.CommitPosition())

	c.send(&msg)
}

// broadcastAppend send append or snapshot install to followers.
func (c *core) broadcastAppend() {
	firstPosition := c.log.FirstPosition()
	for i := 0; i < len(c.members); i++ {
		member := c.members[i]
		/* ignore paused members */
		if member.IsPaused() {
			continue
		}

		if member.NextPos >= firstPosition {
			c.sendAppend(member)
		} else {
			// the follower is behind the compaction point; only a
			// snapshot install can repair it.
			c.sendSnapshot(member)
		}
	}
}

func (c *core) sendAppend(member *peer.Member) {
	msg := clusterpd.Message{}
	msg.To = member.ID
	msg.Position = c.log.CommitPosition()
	msg.MsgType = clusterpd.MsgAppendRequest
	msg.LogPosition = member.NextPos - 1
	msg.LogTerm = c.log.Term(msg.LogPosition)

	if c.log.LastPosition() >= member.NextPos {
		entries := c.log.Slice(member.NextPos, c.log.LastPosition()+1)
		// bound the message payload
		var size uint
		for i := 0; i < len(entries); i++ {
			size += uint(16 + len(entries[i].Data))
			if size > c.maxSizePerMsg && i > 0 {
				entries = entries[:i]
				break
			}
		}
		msg.Entries = make([]clusterpd.Entry, len(entries))
		copy(msg.Entries, entries)
	} else {
		msg.Entries = make([]clusterpd.Entry, 0)
	}

	log.Debugf("%d [term: %d] send append [pos: %d, term: %d] "+
		"to member: %d [matched: %d, next: %d]",
		c.id, c.term, msg.LogPosition, msg.LogTerm, member.ID, member.Matched, member.NextPos)

	member.SendEntries(msg.Entries)
	c.send(&msg)
}

func (c *core) sendSnapshot(member *peer.Member) {
	snapshot := c.callback.readSnapshot()
	// if a snapshot is being built right now, readSnapshot returns nil;
	// just skip and retry on the next tick.
	if snapshot == nil {
		log.Infof("%d failed to send snapshot to %d because snapshot "+
			"is temporarily unavailable", c.id, member.ID)
		return
	}

	log.Infof("%d [firstPos: %d, commit: %d] send snapshot [pos: %d, term: %d] to %d",
		c.id, c.log.FirstPosition(), c.log.CommitPosition(),
		snapshot.Metadata.Position, snapshot.Metadata.Term, member.ID)

	member.SendSnapshot(snapshot.Metadata.Position)

	msg := clusterpd.Message{}
	msg.To = member.ID
	msg.Snapshot = snapshot
	msg.MsgType = clusterpd.MsgSnapshotRequest

	c.send(&msg)
}
