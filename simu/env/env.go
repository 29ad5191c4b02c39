// Package env builds simulated clusters over an in-memory network with
// controllable partitions and message loss, plus the assertions the
// verification tests lean on.
package env

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	network "github.com/thinkermao/network-simu-go"

	"github.com/m7ller/flock/simu/app"
)

// Environment owns the simulated network and the replicas on it.
type Environment struct {
	t          *testing.T
	net        network.Network
	totalNodes int
	apps       []app.Application
	dataDir    string
}

// MakeEnvironment builds and starts a cluster of num connected
// replicas.
func MakeEnvironment(t *testing.T, num int, unreliable bool) *Environment {
	dataDir, err := ioutil.TempDir("", "simu-")
	if err != nil {
		t.Fatal(err)
	}

	builder := network.CreateBuilder()
	environment := &Environment{
		t:       t,
		dataDir: dataDir,
	}

	var apps []app.Application
	for i := 0; i < num; i++ {
		dir := filepath.Join(dataDir, strconv.Itoa(i))
		if err := os.MkdirAll(dir, 0700); err != nil {
			t.Fatal(err)
		}
		handler := builder.AddEndpoint()
		apps = append(apps, app.MakeApp(dir, handler, environment))
	}

	environment.net = builder.Build()
	environment.totalNodes = num
	environment.apps = apps
	environment.net.SetReliable(!unreliable)

	for i := 0; i < num; i++ {
		environment.Start1(i)
		environment.Connect(i)
	}
	return environment
}

// CheckApply cross-check one applied entry against every replica.
// Implements app.Checker.
func (environment *Environment) CheckApply(id, position, value int) error {
	for j := 0; j < len(environment.apps); j++ {
		a := environment.apps[j]
		if v, ok := a.LogAt(position); ok && v != value {
			return fmt.Errorf("commit position=%v server=%v %v != server=%v %v",
				position, id, value, j, v)
		}
	}
	return nil
}

// Crash1 shuts a replica down but keeps its persistent state.
func (environment *Environment) Crash1(i int) {
	environment.Disconnect(i)
	environment.apps[i].Shutdown()
}

// Start1 starts or restarts a replica; an existing one is killed first.
func (environment *Environment) Start1(i int) {
	environment.Crash1(i)

	members := make([]uint64, 0, len(environment.apps))
	for j := 0; j < len(environment.apps); j++ {
		members = append(members, uint64(environment.apps[j].ID()))
	}
	if err := environment.apps[i].Start(members); err != nil {
		environment.t.Fatal(err)
	}
}

// Propose submit a command through replica id.
func (environment *Environment) Propose(id int, value int) (uint64, uint64, bool) {
	return environment.apps[id].Propose(value)
}

// GetState return term and leadership of a replica.
func (environment *Environment) GetState(id int) (uint64, bool) {
	return environment.apps[id].GetState()
}

// GenSnapshot force replica id to take a snapshot.
func (environment *Environment) GenSnapshot(id int) (uint64, uint64) {
	return environment.apps[id].GenSnapshot()
}

// Cleanup kills every replica and removes their data.
func (environment *Environment) Cleanup() {
	for i := 0; i < len(environment.apps); i++ {
		if environment.apps[i] != nil {
			environment.apps[i].Shutdown()
		}
	}
	os.RemoveAll(environment.dataDir)
}

// Connect attaches replica i to the network.
func (environment *Environment) Connect(i int) {
	environment.net.Enable(i)
}

// Disconnect detaches replica i from the network.
func (environment *Environment) Disconnect(i int) {
	environment.net.Disable(i)
}

// SetUnreliable toggles random message loss.
func (environment *Environment) SetUnreliable(unreliable bool) {
	environment.net.SetReliable(!unreliable)
}

// CheckOneLeader checks that there is exactly one leader, retrying a
// few times in case re-elections are in flight, and returns it.
func (environment *Environment) CheckOneLeader() int {
	for iters := 0; iters < 10; iters++ {
		time.Sleep(app.ElectionTimeout * time.Millisecond)
		leaders := make(map[int][]int)
		for i := 0; i < environment.totalNodes; i++ {
			if environment.net.IsEnable(i) {
				if term, leader := environment.apps[i].GetState(); leader {
					leaders[int(term)] = append(leaders[int(term)], i)
				}
			}
		}

		lastTermWithLeader := -1
		for term, ids := range leaders {
			if len(ids) > 1 {
				environment.t.Fatalf("term %d has %d (>1) leaders", term, len(ids))
			}
			if term > lastTermWithLeader {
				lastTermWithLeader = term
			}
		}
		if len(leaders) != 0 {
			return leaders[lastTermWithLeader][0]
		}
	}
	environment.t.Fatalf("expected one leader, got none")
	return -1
}

// CheckTerms checks that every connected replica agrees on the term.
func (environment *Environment) CheckTerms() int {
	term := -1
	for i := 0; i < environment.totalNodes; i++ {
		if environment.net.IsEnable(i) {
			xterm, _ := environment.apps[i].GetState()
			if term == -1 {
				term = int(xterm)
			} else if term != int(xterm) {
				environment.t.Fatalf("servers disagree on term")
			}
		}
	}
	return term
}

// CheckNoLeader checks that no connected replica claims leadership.
func (environment *Environment) CheckNoLeader() {
	for i := 0; i < environment.totalNodes; i++ {
		if environment.net.IsEnable(i) {
			if _, isLeader := environment.apps[i].GetState(); isLeader {
				environment.t.Fatalf("expected no leader, but %v claims to be leader", i)
			}
		}
	}
}

// CommittedNumber counts how many replicas committed the entry at the
// given position and returns the agreed value.
func (environment *Environment) CommittedNumber(position int) (int, interface{}) {
	count := 0
	value := -1
	for i := 0; i < len(environment.apps); i++ {
		if err := environment.apps[i].ApplyError(); err != nil {
			environment.t.Fatal(err)
		}

		v, ok := environment.apps[i].LogAt(position)
		if ok {
			if count > 0 && value != v {
				environment.t.Fatalf("committed values do not match: position %v, %v, %v",
					position, value, v)
			}
			count++
			value = v
		}
	}
	return count, value
}

// Wait blocks until at least n replicas committed the position, but not
// forever; it returns -1 when the term moved past startTerm.
func (environment *Environment) Wait(position int, n int, startTerm int) interface{} {
	to := 10 * time.Millisecond
	for iters := 0; iters < 30; iters++ {
		nd, _ := environment.CommittedNumber(position)
		if nd >= n {
			break
		}
		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
		if startTerm > -1 {
			for _, a := range environment.apps {
				if term, _ := a.GetState(); int(term) > startTerm {
					// the election moved on; the outcome is undecided
					return -1
				}
			}
		}
	}
	nd, value := environment.CommittedNumber(position)
	if nd < n {
		environment.t.Fatalf("only %d decided for position %d; wanted %d",
			nd, position, n)
	}
	return value
}

// One runs a complete agreement: find the leader, submit, wait for
// expectedServers to commit the value. Returns the position it
// committed at.
func (environment *Environment) One(value int, expectedServers int) int {
	t0 := time.Now()
	starts := 0
	for time.Since(t0).Seconds() < 10 {
		position := -1
		for si := 0; si < environment.totalNodes; si++ {
			starts = (starts + 1) % environment.totalNodes
			pos, _, ok := environment.apps[starts].Propose(value)
			if ok {
				position = int(pos)
				break
			}
		}

		if position != -1 {
			t1 := time.Now()
			for time.Since(t1).Seconds() < 2 {
				nd, committed := environment.CommittedNumber(position)
				if nd > 0 && nd >= expectedServers {
					if v, ok := committed.(int); ok && v == value {
						return position
					}
				}
				time.Sleep(20 * time.Millisecond)
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
	environment.t.Fatalf("One(%v) failed to reach agreement", value)
	return -1
}
