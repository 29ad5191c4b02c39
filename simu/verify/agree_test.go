package verify

import (
	"testing"

	"github.com/m7ller/flock/simu/app"
	"github.com/m7ller/flock/simu/env"
)

func TestCluster_BasicAgree(t *testing.T) {
	servers := 5
	environment := env.MakeEnvironment(t, servers, false)
	defer environment.Cleanup()

	iters := 6
	// position 1 is the new leader's no-op; values start at 2
	istart := 2
	for position := istart; position < iters+istart; position++ {
		nd, _ := environment.CommittedNumber(position)
		if nd > 0 {
			t.Fatalf("some have committed before any agreement")
		}

		xposition := environment.One(position*100, servers)
		if xposition != position {
			t.Fatalf("got position %v but expected %v", xposition, position)
		}
	}
}

func TestCluster_FailAgree(t *testing.T) {
	servers := 3
	environment := env.MakeEnvironment(t, servers, false)
	defer environment.Cleanup()

	environment.One(101, servers)

	// follower network disconnection
	leader := environment.CheckOneLeader()
	environment.Disconnect((leader + 1) % servers)

	// agree despite one disconnected server?
	environment.One(102, servers-1)
	environment.One(103, servers-1)
	sleep(app.ElectionTimeout)
	environment.One(104, servers-1)
	environment.One(105, servers-1)

	// re-connect
	environment.Connect((leader + 1) % servers)

	// agree with full set of servers?
	environment.One(106, servers)
	sleep(app.ElectionTimeout)
	environment.One(107, servers)
}
