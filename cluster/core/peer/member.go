package peer

import (
	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/utils"
)

// Member maintains what the local member knows about one remote member
// of the cluster: its vote in the current campaign and its replication
// progress when we are leader.
type Member struct {
	belongID uint64

	// remote member id
	ID uint64

	// detected voting status
	Vote VoteState

	// highest position known replicated on the remote
	Matched uint64

	// next entry position to send
	NextPos uint64

	// When in progressStateProbe, leader sends at most one replication
	// message per heartbeat interval, probing the follower's actual tail.
	//
	// When in progressStateReplicate, leader optimistically increases
	// next past the latest entries sent. This is the fast path for
	// streaming log entries to a healthy follower.
	//
	// When in progressStateSnapshot, leader has sent out a snapshot
	// install and stops sending replication messages.
	state progressState

	// paused is used in progressStateProbe.
	// When paused is true, the leader holds replication to this member.
	paused bool

	// pendingSnapshot is the position of the in-flight snapshot install,
	// set in progressStateSnapshot. Replication stays paused until the
	// install is acknowledged or reported failed.
	pendingSnapshot uint64

	// ins is the sliding window for in-flight replication messages.
	// When full, no more messages are sent until acks free space.
	ins inFlights
}

const inFlightWindow = 10

// MakeMember create tracking state for one remote member.
func MakeMember(belong, id, nextPos uint64) *Member {
	return &Member{
		belongID:        belong,
		ID:              id,
		Vote:            VoteNone,
		Matched:         conf.InvalidPosition,
		NextPos:         nextPos,
		state:           defaultProgressState(),
		paused:          false,
		pendingSnapshot: conf.InvalidPosition,
		ins:             makeInFlights(inFlightWindow),
	}
}

// HandleUnreachable trigger unreachable event.
func (m *Member) HandleUnreachable() {
	switch m.state {
	case progressStateReplicate:
		// During optimistic replication, if the remote becomes
		// unreachable there is a huge probability an append was lost.
		m.NextPos = m.Matched + 1
		m.becomeProbe()
	case progressStateProbe:
		m.resume()
	case progressStateSnapshot:
		m.becomeProbe()
		m.NextPos = m.pendingSnapshot
	}
}

// HandleSnapshot trigger receive snapshot install response event.
func (m *Member) HandleSnapshot(reject bool, position uint64) {
	if m.state != progressStateSnapshot {
		return
	}
	if reject {
		m.NextPos = m.pendingSnapshot
		m.becomeProbe()
		return
	}
	m.Matched = position
	m.NextPos = position + 1
	m.becomeProbe()
}

// HandleAppendEntries trigger append response event. On success,
// position is the follower's highest contiguous appended position; on
// rejection it echoes the failed consistency point and hintPos carries
// the follower's resync hint. Returns true when the remote's matched
// position advanced.
func (m *Member) HandleAppendEntries(reject bool, position, hintPos uint64) bool {
	switch m.state {
	case progressStateReplicate:
		if reject {
			m.NextPos = m.Matched + 1
			m.becomeProbe()
			return false
		} else if m.Matched < position {
			m.ins.freeTo(position)
			m.Matched = position

			if m.NextPos <= m.Matched {
				m.NextPos = m.Matched + 1
			}
			return true
		}
	case progressStateProbe:
		if !reject {
			// stale
			if position < m.Matched {
				log.Debugf("%d member: %d [next: %d] ignore staled append response: %d",
					m.belongID, m.ID, m.NextPos, position)
				return false
			}

			m.Matched = position
			m.NextPos = m.Matched + 1
			m.becomeReplicate()
			return true
		}

		// the rejection must be stale if "rejected" does not match next - 1
		if m.NextPos == 0 || m.NextPos-1 != position {
			log.Debugf("%d member: %d [next: %d] ignore staled rejection: %d",
				m.belongID, m.ID, m.NextPos, position)
			return false
		}
		m.NextPos = utils.MinUint64(position, hintPos+1)
		if m.NextPos <= conf.InvalidPosition {
			m.NextPos = conf.InvalidPosition + 1
		}
		log.Debugf("%d member: %d update next position: %d",
			m.belongID, m.ID, m.NextPos)

		m.resume()
	}
	return false
}

// SendSnapshot translate state to progressStateSnapshot,
// and set pendingSnapshot to pos.
func (m *Member) SendSnapshot(pos uint64) {
	log.Debugf("%d member: %d from %v => %v [pending snapshot: %d]",
		m.belongID, m.ID, m.state, progressStateSnapshot, pos)

	m.pendingSnapshot = pos
	m.state = progressStateSnapshot
}

// SendEntries update progress after entries were handed to transport.
func (m *Member) SendEntries(entries []clusterpd.Entry) {
	switch m.state {
	case progressStateProbe:
		m.pause()
	case progressStateReplicate:
		if len(entries) != 0 {
			// optimistically increase next when replicating
			lastPosition := entries[len(entries)-1].Position
			m.optimisticUpdate(lastPosition)
		}
	default:
		log.Fatalf("%x is sending append in unhandled state %s", m.ID, m.state)
	}
}

// HandleHeartbeat unpause a stalled probe when the member proves it is
// alive; a lost append response must not stall replication forever.
func (m *Member) HandleHeartbeat() {
	if m.state == progressStateProbe {
		m.resume()
	}
}

// UpdateVoteState set vote by reject, if true vote
// set to VoteReject, otherwise set to VoteGranted.
func (m *Member) UpdateVoteState(reject bool) {
	if reject {
		m.Vote = VoteReject
	} else {
		m.Vote = VoteGranted
	}
}

// ResetVoteState set vote to VoteNone.
func (m *Member) ResetVoteState() {
	m.Vote = VoteNone
}

// IsPaused test whether replication to this member should hold off.
func (m *Member) IsPaused() bool {
	switch m.state {
	case progressStateProbe:
		return m.paused
	case progressStateReplicate:
		return m.ins.full()
	case progressStateSnapshot:
		return true
	default:
		panic("unreachable")
	}
}

// ToProbe transfer status to probe, and reset progress fields.
func (m *Member) ToProbe(nextPos uint64) {
	m.Matched = conf.InvalidPosition
	m.NextPos = nextPos
	m.becomeProbe()
}

// optimisticUpdate records the last position sent and
// increases NextPos to pos + 1.
func (m *Member) optimisticUpdate(pos uint64) {
	m.NextPos = pos + 1
	m.ins.add(pos)
}

func (m *Member) resume() {
	m.paused = false
}

func (m *Member) pause() {
	m.paused = true
}

func (m *Member) becomeProbe() {
	origin := m.state
	m.paused = false
	m.state = progressStateProbe

	log.Debugf("%d member: %d from %v => %v", m.belongID, m.ID, origin, m.state)
}

func (m *Member) becomeReplicate() {
	origin := m.state
	m.ins.reset()
	m.state = progressStateReplicate

	log.Debugf("%d member: %d from %v => %v", m.belongID, m.ID, origin, m.state)
}
