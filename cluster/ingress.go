package cluster

import (
	log "github.com/sirupsen/logrus"

	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/cluster/session"
	"github.com/m7ller/flock/utils/pd"
)

// pollIngress drains client frames from this member's ingress channel.
// Only the leader admits them; everyone else answers with a redirect so
// the client can re-aim.
func (n *Node) pollIngress() int {
	return n.bus.Poll(IngressChannel(n.opts.ID), func(data []byte, _ uint64) {
		ingress := clusterpd.Ingress{}
		if !pd.MaybeUnmarshal(&ingress, data) {
			log.Errorf("%d drop undecodable ingress frame", n.opts.ID)
			return
		}
		n.handleIngress(&ingress)
	}, pollBatchLimit)
}

func (n *Node) handleIngress(ingress *clusterpd.Ingress) {
	if !n.leading {
		n.redirect(ingress)
		return
	}

	switch ingress.Kind {
	case clusterpd.IngressOpenSession:
		n.handleOpenSession(ingress)

	case clusterpd.IngressCommand:
		n.handleCommand(ingress)

	case clusterpd.IngressKeepAlive:
		if _, ok := n.sessions.Get(ingress.SessionID); ok {
			n.keepAlives[ingress.SessionID] = n.clusterTimeMs
		}

	case clusterpd.IngressCloseSession:
		if _, ok := n.sessions.Get(ingress.SessionID); !ok || n.pendingCloses[ingress.SessionID] {
			return
		}
		payload := clusterpd.SessionClose{
			SessionID: ingress.SessionID,
			Reason:    clusterpd.CloseByClient,
		}
		if _, _, ok := n.engine.Propose(clusterpd.EntrySessionClose, pd.MustMarshal(&payload)); ok {
			n.pendingCloses[ingress.SessionID] = true
		}

	default:
		log.Errorf("%d drop ingress frame of unknown kind %d", n.opts.ID, ingress.Kind)
	}
}

// handleOpenSession proposes a session-open entry. Retried opens for
// the same response channel are absorbed here: one while in flight, and
// one once the session exists, so a slow commit never yields twins.
func (n *Node) handleOpenSession(ingress *clusterpd.Ingress) {
	if ingress.ResponseChannel == "" {
		return
	}
	if n.pendingOpens[ingress.ResponseChannel] {
		return
	}
	if existing := n.sessionByChannel(ingress.ResponseChannel); existing != nil {
		// the open committed but the client missed the event; repeat it
		n.emitEgress(existing.ResponseChannel, &clusterpd.Egress{
			Kind:      clusterpd.EgressSessionOpened,
			SessionID: existing.ID,
			LeaderID:  n.opts.ID,
		}, false)
		return
	}

	open := clusterpd.SessionOpen{ResponseChannel: ingress.ResponseChannel}
	if _, _, ok := n.engine.Propose(clusterpd.EntrySessionOpen, pd.MustMarshal(&open)); ok {
		n.pendingOpens[ingress.ResponseChannel] = true
	}
}

// handleCommand admits one client command. Duplicates of an already
// applied command are answered from the response cache without touching
// the log; new commands are proposed and answered when they commit.
func (n *Node) handleCommand(ingress *clusterpd.Ingress) {
	s, ok := n.sessions.Get(ingress.SessionID)
	if !ok {
		if ingress.ResponseChannel != "" {
			n.emitEgress(ingress.ResponseChannel, &clusterpd.Egress{
				Kind:      clusterpd.EgressSessionRejected,
				SessionID: ingress.SessionID,
			}, false)
		}
		return
	}
	n.keepAlives[ingress.SessionID] = n.clusterTimeMs

	if s.IsDuplicate(ingress.CorrelationID) {
		if response, cached := s.CachedResponse(ingress.CorrelationID); cached {
			n.emitEgress(s.ResponseChannel, &clusterpd.Egress{
				Kind:          clusterpd.EgressResponse,
				SessionID:     s.ID,
				CorrelationID: ingress.CorrelationID,
				Payload:       response,
			}, false)
		}
		return
	}

	cmd := clusterpd.Command{
		SessionID:     ingress.SessionID,
		CorrelationID: ingress.CorrelationID,
		Payload:       ingress.Payload,
	}
	// a failed propose means leadership was lost mid-frame; the client
	// retries and gets a redirect
	n.engine.Propose(clusterpd.EntryNormal, pd.MustMarshal(&cmd))
}

// redirect points a client at the current leader, when one is known.
func (n *Node) redirect(ingress *clusterpd.Ingress) {
	channel := ingress.ResponseChannel
	if channel == "" {
		if s, ok := n.sessions.Get(ingress.SessionID); ok {
			channel = s.ResponseChannel
		}
	}
	if channel == "" {
		return
	}

	leaderID, _ := n.ReadStatus()
	egress := clusterpd.Egress{
		Kind:      clusterpd.EgressRedirect,
		SessionID: ingress.SessionID,
		LeaderID:  leaderID,
	}
	n.bus.Publish(channel, pd.MustMarshal(&egress))
}

func (n *Node) sessionByChannel(channel string) *session.Session {
	for _, s := range n.sessions.All() {
		if s.ResponseChannel == channel {
			return s
		}
	}
	return nil
}
