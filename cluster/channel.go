package cluster

import "fmt"

// Channel naming on the transport bus. Members poll their own member
// and ingress channels; clients poll the egress channel they chose when
// opening a session.

// MemberChannel carries consensus messages addressed to a member.
func MemberChannel(id uint64) string {
	return fmt.Sprintf("member-%d", id)
}

// IngressChannel carries client frames addressed to a member.
func IngressChannel(id uint64) string {
	return fmt.Sprintf("ingress-%d", id)
}
