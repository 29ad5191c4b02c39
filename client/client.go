// Package client is the session-side counterpart of a cluster: it opens
// a session against the leader, offers commands with client-assigned
// correlation IDs and polls the session's egress channel for responses.
// A client owns exactly one egress channel, named after a fresh UUID so
// concurrent clients never collide.
package client

import (
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster"
	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/transport"
	"github.com/m7ller/flock/utils/pd"
)

var (
	ErrTimeout   = errors.New("client: timed out")
	ErrNoSession = errors.New("client: no open session")
	ErrRejected  = errors.New("client: session rejected")
)

// EgressHandler consumes one egress frame.
type EgressHandler func(egress *clusterpd.Egress)

// Client talks to a cluster over the transport bus. Not safe for
// concurrent use; a caller drives it from one goroutine the same way a
// member drives its duty cycle.
type Client struct {
	bus     transport.Bus
	members []uint64

	egressChannel string
	target        int // index into members of the member we aim at
	sessionID     uint64
	opened        bool
	closed        bool

	nextCorrelation uint64
}

// MakeClient returns a client aimed at the first member. The session is
// not open yet; call OpenSession.
func MakeClient(bus transport.Bus, members []uint64) *Client {
	return &Client{
		bus:           bus,
		members:       members,
		egressChannel: "egress-" + uuid.NewString(),
	}
}

func (c *Client) SessionID() uint64 { return c.sessionID }

// OpenSession opens a session, retrying and following redirects until
// the deadline. The returned session ID is the log position the cluster
// committed the open at.
func (c *Client) OpenSession(timeout time.Duration) error {
	if c.opened {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.publishIngress(&clusterpd.Ingress{
			Kind:            clusterpd.IngressOpenSession,
			ResponseChannel: c.egressChannel,
		})

		var outcome error
		opened := c.awaitEgress(50*time.Millisecond, func(egress *clusterpd.Egress) bool {
			switch egress.Kind {
			case clusterpd.EgressSessionOpened:
				c.sessionID = egress.SessionID
				c.opened = true
				return true
			case clusterpd.EgressSessionRejected:
				outcome = ErrRejected
				return true
			case clusterpd.EgressRedirect:
				c.follow(egress.LeaderID)
				return false
			default:
				return false
			}
		})
		if outcome != nil {
			return outcome
		}
		if opened {
			log.Debugf("client opened session %d via member %d",
				c.sessionID, c.members[c.target])
			return nil
		}
		c.rotate()
	}
	return ErrTimeout
}

// Offer publishes one command and returns its correlation ID. False
// means the ingress channel pushed back and the caller must retry with
// the SAME correlation ID, which is what makes retries safe: the
// cluster applies each correlation ID once no matter how often it
// arrives.
func (c *Client) Offer(correlationID uint64, payload []byte) bool {
	if !c.opened || c.closed {
		return false
	}
	return c.publishIngress(&clusterpd.Ingress{
		Kind:            clusterpd.IngressCommand,
		ResponseChannel: c.egressChannel,
		SessionID:       c.sessionID,
		CorrelationID:   correlationID,
		Payload:         payload,
	})
}

// NextCorrelationID hands out the next client-unique correlation ID.
func (c *Client) NextCorrelationID() uint64 {
	c.nextCorrelation++
	return c.nextCorrelation
}

// PollEgress delivers pending egress frames to the handler. Redirect
// frames re-aim the client and are swallowed; everything else is passed
// through.
func (c *Client) PollEgress(handler EgressHandler, limit int) int {
	return c.bus.Poll(c.egressChannel, func(data []byte, _ uint64) {
		egress := clusterpd.Egress{}
		if !pd.MaybeUnmarshal(&egress, data) {
			log.Error("client drop undecodable egress frame")
			return
		}
		switch egress.Kind {
		case clusterpd.EgressRedirect:
			c.follow(egress.LeaderID)
		case clusterpd.EgressSessionClosed:
			c.closed = true
			handler(&egress)
		default:
			handler(&egress)
		}
	}, limit)
}

// Rotate re-aims at the next member. Callers use it when the current
// target stays silent past their own deadline, as happens after the
// member they talked to died.
func (c *Client) Rotate() {
	c.rotate()
}

// KeepAlive refreshes the session's liveness on the leader.
func (c *Client) KeepAlive() {
	if !c.opened || c.closed {
		return
	}
	c.publishIngress(&clusterpd.Ingress{
		Kind:      clusterpd.IngressKeepAlive,
		SessionID: c.sessionID,
	})
}

// Close asks the cluster to close the session and waits briefly for the
// committed close event.
func (c *Client) Close(timeout time.Duration) error {
	if !c.opened || c.closed {
		return ErrNoSession
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.publishIngress(&clusterpd.Ingress{
			Kind:            clusterpd.IngressCloseSession,
			ResponseChannel: c.egressChannel,
			SessionID:       c.sessionID,
		})
		done := c.awaitEgress(50*time.Millisecond, func(egress *clusterpd.Egress) bool {
			return egress.Kind == clusterpd.EgressSessionClosed &&
				egress.SessionID == c.sessionID
		})
		if done || c.closed {
			c.closed = true
			return nil
		}
		c.rotate()
	}
	return ErrTimeout
}

func (c *Client) publishIngress(ingress *clusterpd.Ingress) bool {
	channel := cluster.IngressChannel(c.members[c.target])
	return c.bus.Publish(channel, pd.MustMarshal(ingress))
}

// awaitEgress polls the egress channel until the visitor reports done
// or the window elapses.
func (c *Client) awaitEgress(window time.Duration, visit func(*clusterpd.Egress) bool) bool {
	deadline := time.Now().Add(window)
	done := false
	for !done && time.Now().Before(deadline) {
		polled := c.bus.Poll(c.egressChannel, func(data []byte, _ uint64) {
			egress := clusterpd.Egress{}
			if !pd.MaybeUnmarshal(&egress, data) {
				return
			}
			if visit(&egress) {
				done = true
			}
		}, 16)
		if polled == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return done
}

// follow re-aims at the member a redirect named, when it is a real one.
func (c *Client) follow(leaderID uint64) {
	if leaderID == conf.InvalidID {
		c.rotate()
		return
	}
	for i, id := range c.members {
		if id == leaderID {
			c.target = i
			return
		}
	}
}

func (c *Client) rotate() {
	c.target = (c.target + 1) % len(c.members)
}
