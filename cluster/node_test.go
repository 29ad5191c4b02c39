package cluster_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m7ller/flock/client"
	"github.com/m7ller/flock/cluster"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/cluster/snap"
	"github.com/m7ller/flock/transport"
)

// countingMachine sums the 8-byte value of every applied command and
// counts how many times each correlation ID reached Apply, so duplicate
// deliveries show up as a count above one.
type countingMachine struct {
	mutex   sync.Mutex
	total   uint64
	applies map[uint64]int
}

type machineImage struct {
	Total   uint64
	Applies map[uint64]int
}

func (m *countingMachine) Apply(sessionID, correlationID uint64,
	payload []byte, timestamp int64) []byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.applies == nil {
		m.applies = make(map[uint64]int)
	}
	m.applies[correlationID]++
	m.total += binary.LittleEndian.Uint64(payload)

	response := make([]byte, 8)
	binary.LittleEndian.PutUint64(response, m.total)
	return response
}

func (m *countingMachine) TakeSnapshot() ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return snap.Encode(&machineImage{Total: m.total, Applies: m.applies})
}

func (m *countingMachine) RestoreSnapshot(data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	img := machineImage{}
	if err := snap.Decode(data, &img); err != nil {
		return err
	}
	m.total = img.Total
	m.applies = img.Applies
	return nil
}

func (m *countingMachine) readTotal() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.total
}

func (m *countingMachine) applyCount(correlationID uint64) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.applies[correlationID]
}

type testCluster struct {
	t        *testing.T
	bus      transport.Bus
	base     cluster.Options
	members  []uint64
	nodes    map[uint64]*cluster.Node
	machines map[uint64]*countingMachine
	dirs     map[uint64]string
}

func startTestCluster(t *testing.T, servers int, base cluster.Options) *testCluster {
	if base.ElectionTickMs == 0 {
		base.ElectionTickMs = 100
	}
	if base.HeartbeatTickMs == 0 {
		base.HeartbeatTickMs = 10
	}

	tc := &testCluster{
		t:        t,
		bus:      transport.MakeMemoryBus(),
		base:     base,
		nodes:    make(map[uint64]*cluster.Node),
		machines: make(map[uint64]*countingMachine),
		dirs:     make(map[uint64]string),
	}
	for id := uint64(1); id <= uint64(servers); id++ {
		tc.members = append(tc.members, id)
	}
	for _, id := range tc.members {
		tc.dirs[id] = t.TempDir()
		tc.startMember(id)
	}
	t.Cleanup(tc.stopAll)
	return tc
}

func (tc *testCluster) startMember(id uint64) {
	machine := &countingMachine{}
	opts := tc.base
	opts.ID = id
	opts.Members = tc.members
	opts.DataDir = tc.dirs[id]
	opts.Bus = tc.bus
	opts.Machine = machine

	node, err := cluster.MakeNode(opts)
	require.NoError(tc.t, err)
	node.Start()

	tc.nodes[id] = node
	tc.machines[id] = machine
}

func (tc *testCluster) stopMember(id uint64) {
	if node, ok := tc.nodes[id]; ok {
		node.Stop()
		delete(tc.nodes, id)
	}
}

func (tc *testCluster) stopAll() {
	for id := range tc.nodes {
		tc.stopMember(id)
	}
}

func (tc *testCluster) leader() uint64 {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for id, node := range tc.nodes {
			if _, isLeader := node.ReadStatus(); isLeader {
				return id
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	tc.t.Fatal("no leader elected")
	return 0
}

// offerValue pushes one command and waits for its response, retrying
// with the same correlation ID and re-aiming at other members when the
// current one stays silent. Returns the responded running total.
func offerValue(t *testing.T, c *client.Client, value uint64) uint64 {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, value)
	correlationID := c.NextCorrelationID()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c.Offer(correlationID, payload)

		var response []byte
		window := time.Now().Add(300 * time.Millisecond)
		for response == nil && time.Now().Before(window) {
			c.PollEgress(func(egress *clusterpd.Egress) {
				if egress.Kind == clusterpd.EgressResponse &&
					egress.CorrelationID == correlationID {
					response = egress.Payload
				}
			}, 16)
			if response == nil {
				time.Sleep(time.Millisecond)
			}
		}
		if response != nil {
			return binary.LittleEndian.Uint64(response)
		}
		c.Rotate()
	}
	t.Fatalf("command %d never answered", correlationID)
	return 0
}

func awaitTotal(t *testing.T, machine *countingMachine, want uint64) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if machine.readTotal() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("total want: %d, get: %d", want, machine.readTotal())
}

func TestNode_CommandRoundTrip(t *testing.T) {
	tc := startTestCluster(t, 3, cluster.Options{})

	c := client.MakeClient(tc.bus, tc.members)
	require.NoError(t, c.OpenSession(10*time.Second))

	var expected uint64
	for i := uint64(1); i <= 10; i++ {
		expected += i
		got := offerValue(t, c, i)
		require.Equal(t, expected, got)
	}
	require.NoError(t, c.Close(5*time.Second))

	// every replica converges on the same state, each command once
	for _, machine := range tc.machines {
		awaitTotal(t, machine, expected)
		for cid := uint64(1); cid <= 10; cid++ {
			require.Equal(t, 1, machine.applyCount(cid))
		}
	}
}

func TestNode_DuplicateOfferAppliesOnce(t *testing.T) {
	tc := startTestCluster(t, 3, cluster.Options{})

	c := client.MakeClient(tc.bus, tc.members)
	require.NoError(t, c.OpenSession(10*time.Second))

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 7)
	correlationID := c.NextCorrelationID()

	// a retry burst: the same correlation ID three times in a row
	for i := 0; i < 3; i++ {
		require.True(t, c.Offer(correlationID, payload))
	}

	deadline := time.Now().Add(10 * time.Second)
	answered := false
	for !answered && time.Now().Before(deadline) {
		c.PollEgress(func(egress *clusterpd.Egress) {
			if egress.Kind == clusterpd.EgressResponse &&
				egress.CorrelationID == correlationID {
				answered = true
			}
		}, 16)
		time.Sleep(time.Millisecond)
	}
	require.True(t, answered)

	for _, machine := range tc.machines {
		awaitTotal(t, machine, 7)
		require.Equal(t, 1, machine.applyCount(correlationID))
	}
}

func TestNode_LeaderFailover(t *testing.T) {
	tc := startTestCluster(t, 3, cluster.Options{})

	c := client.MakeClient(tc.bus, tc.members)
	require.NoError(t, c.OpenSession(10*time.Second))

	require.Equal(t, uint64(1), offerValue(t, c, 1))

	tc.stopMember(tc.leader())

	// the session survives the failover; the client finds the new leader
	require.Equal(t, uint64(3), offerValue(t, c, 2))
	require.Equal(t, uint64(6), offerValue(t, c, 3))

	for id := range tc.nodes {
		awaitTotal(t, tc.machines[id], 6)
	}
}

func TestNode_SnapshotRestartRecovery(t *testing.T) {
	tc := startTestCluster(t, 3, cluster.Options{SnapshotInterval: 8})

	c := client.MakeClient(tc.bus, tc.members)
	require.NoError(t, c.OpenSession(10*time.Second))

	for i := uint64(1); i <= 30; i++ {
		require.Equal(t, i, offerValue(t, c, 1))
	}

	leader := tc.leader()
	var follower uint64
	for id := range tc.nodes {
		if id != leader {
			follower = id
			break
		}
	}
	tc.stopMember(follower)

	for i := uint64(31); i <= 35; i++ {
		require.Equal(t, i, offerValue(t, c, 1))
	}

	// the restarted member rebuilds from its snapshot plus the log or a
	// fresh install, then catches up
	tc.startMember(follower)
	awaitTotal(t, tc.machines[follower], 35)

	snaps, err := filepath.Glob(filepath.Join(tc.dirs[follower], "snap", "*.snap"))
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
}

func TestNode_SnapshotImagesAreIdentical(t *testing.T) {
	tc := startTestCluster(t, 3, cluster.Options{SnapshotInterval: 4})

	c := client.MakeClient(tc.bus, tc.members)
	require.NoError(t, c.OpenSession(10*time.Second))

	for i := uint64(1); i <= 20; i++ {
		require.Equal(t, i, offerValue(t, c, 1))
	}

	// let the slower members apply the last snapshot marker
	time.Sleep(time.Second)
	tc.stopAll()

	images := make(map[uint64]map[string][]byte)
	for _, id := range tc.members {
		files, err := filepath.Glob(filepath.Join(tc.dirs[id], "snap", "*.snap"))
		require.NoError(t, err)
		images[id] = make(map[string][]byte)
		for _, file := range files {
			data, err := os.ReadFile(file)
			require.NoError(t, err)
			images[id][filepath.Base(file)] = data
		}
	}

	// snapshots taken at the same marker must be byte identical
	compared := 0
	for name, want := range images[tc.members[0]] {
		for _, id := range tc.members[1:] {
			if got, ok := images[id][name]; ok {
				require.Equal(t, want, got, "snapshot %s differs on member %d", name, id)
				compared++
			}
		}
	}
	require.NotZero(t, compared)
}

func TestNode_SessionTimeout(t *testing.T) {
	tc := startTestCluster(t, 3, cluster.Options{
		SessionTimeoutMs:    400,
		TimestampIntervalMs: 50,
	})

	c := client.MakeClient(tc.bus, tc.members)
	require.NoError(t, c.OpenSession(10*time.Second))

	// keep-alives hold an idle session open well past its timeout
	closed := false
	observe := func(egress *clusterpd.Egress) {
		if egress.Kind == clusterpd.EgressSessionClosed &&
			egress.SessionID == c.SessionID() {
			closed = true
		}
	}
	quiet := time.Now().Add(1200 * time.Millisecond)
	for time.Now().Before(quiet) {
		c.KeepAlive()
		c.PollEgress(observe, 16)
		require.False(t, closed, "session closed despite keep-alives")
		time.Sleep(100 * time.Millisecond)
	}

	// silence lets the leader commit the close
	deadline := time.Now().Add(5 * time.Second)
	for !closed && time.Now().Before(deadline) {
		c.PollEgress(observe, 16)
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, closed)
	require.False(t, c.Offer(c.NextCorrelationID(), []byte("x")))
}

func TestNode_SessionSurvivesFailoverOnKeepAlives(t *testing.T) {
	tc := startTestCluster(t, 3, cluster.Options{
		SessionTimeoutMs:    600,
		TimestampIntervalMs: 50,
	})

	c := client.MakeClient(tc.bus, tc.members)
	require.NoError(t, c.OpenSession(10*time.Second))

	tc.stopMember(tc.leader())

	// the new leader never saw this session's keep-alives; it must grant
	// a fresh window instead of closing the session at promotion
	closed := false
	observe := func(egress *clusterpd.Egress) {
		if egress.Kind == clusterpd.EgressSessionClosed &&
			egress.SessionID == c.SessionID() {
			closed = true
		}
	}
	quiet := time.Now().Add(3 * time.Second)
	for time.Now().Before(quiet) {
		c.KeepAlive()
		c.PollEgress(observe, 16)
		require.False(t, closed, "session closed during failover")
		c.Rotate()
		time.Sleep(50 * time.Millisecond)
	}

	require.Equal(t, uint64(1), offerValue(t, c, 1))
}
