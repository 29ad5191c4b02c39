// Package app hosts one simulated replica: the consensus engine wired
// to the simulated network and a real write-ahead log, applying integer
// commands to an in-memory table the environment cross-checks. It
// bypasses the session layer on purpose; the simulation exercises
// election, replication and recovery under partitions and crashes.
package app

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	network "github.com/thinkermao/network-simu-go"

	"github.com/m7ller/flock/cluster/core"
	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/cluster/wal"
	"github.com/m7ller/flock/utils"
	"github.com/m7ller/flock/utils/pd"
)

// Timing of the simulated members, in milliseconds.
const (
	ElectionTimeout  = 1000
	HeartbeatTimeout = 100
	tickSize         = 25
	maxSizePerMsg    = 64 * 1024 * 1024
)

type replica struct {
	id      uint64
	handler network.Handler
	walDir  string
	checker Checker

	// mutex guards engine and wlog; the timer goroutine and the network
	// receiver both feed the engine.
	mutex  sync.Mutex
	engine core.Engine
	wlog   *wal.Log

	persist *persister

	logMutex    sync.Mutex
	applyErr    error
	logs        map[int]int
	logPosition uint64
	logTerm     uint64

	timer chan struct{}
}

// MakeApp return a stopped replica bound to the given endpoint; Start
// brings it up.
func MakeApp(walDir string, handler network.Handler, checker Checker) Application {
	r := &replica{
		id:      uint64(handler.ID()),
		handler: handler,
		walDir:  walDir,
		checker: checker,
		persist: &persister{},
		logs:    make(map[int]int),
	}
	handler.BindReceiver(r.handleMessage)
	return r
}

func (r *replica) ID() int {
	return r.handler.ID()
}

// Start builds the engine, recovering from the write-ahead log and the
// in-memory snapshot when the replica ran before.
func (r *replica) Start(members []uint64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	config := &conf.Config{
		ID:            r.id,
		Vote:          conf.InvalidID,
		Term:          conf.InvalidTerm,
		ElectionTick:  ElectionTimeout,
		HeartbeatTick: HeartbeatTimeout,
		MaxSizePerMsg: maxSizePerMsg,
		Members:       members,
	}

	if wal.Exist(r.walDir) {
		var dummy clusterpd.Entry
		if snapshot := r.persist.read(); snapshot != nil {
			dummy.Position = snapshot.Metadata.Position
			dummy.Term = snapshot.Metadata.Term
			r.restoreLogs(snapshot)
		}

		wlog, err := wal.Open(r.walDir, dummy.Position+1)
		if err != nil {
			return err
		}
		state, entries, err := wlog.ReadAll()
		if err != nil {
			return err
		}
		r.wlog = wlog

		config.Vote = state.Vote
		config.Term = state.Term
		if state.Term == conf.InvalidTerm && state.Vote == 0 {
			config.Vote = conf.InvalidID
		}
		config.Entries = []clusterpd.Entry{dummy}
		for _, entry := range entries {
			// the log on disk may reach back before the snapshot
			if entry.Position > dummy.Position {
				config.Entries = append(config.Entries, entry)
			}
		}
	} else {
		wlog, err := wal.Create(r.walDir)
		if err != nil {
			return err
		}
		r.wlog = wlog
	}

	r.engine = core.MakeEngine(config, r)
	r.startTimer()
	return nil
}

// Shutdown stops the replica but keeps its persistent state, like a
// crash would.
func (r *replica) Shutdown() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.timer != nil {
		close(r.timer)
		r.timer = nil
	}
	if r.wlog != nil {
		r.wlog.Close()
		r.wlog = nil
	}
	r.engine = nil
}

func (r *replica) IsCrash() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.engine == nil
}

// Propose submit one integer command.
func (r *replica) Propose(value int) (uint64, uint64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.engine == nil {
		return conf.InvalidPosition, conf.InvalidTerm, false
	}

	data := [8]byte{}
	binary.LittleEndian.PutUint64(data[:], uint64(value))
	return r.engine.Propose(clusterpd.EntryNormal, data[:])
}

func (r *replica) GetState() (uint64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.engine == nil {
		return conf.InvalidTerm, false
	}
	return r.engine.ReadStatus()
}

// GenSnapshot snapshots the applied table and compacts the engine's log
// window behind it.
func (r *replica) GenSnapshot() (uint64, uint64) {
	snapshot := r.buildSnapshot()
	r.persist.save(snapshot)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.engine != nil {
		r.engine.ApplySnapshot(&snapshot.Metadata)
	}
	if r.wlog != nil {
		if err := r.wlog.ReleaseBelow(snapshot.Metadata.Position + 1); err != nil {
			log.WithError(err).Warnf("%d release segments failed", r.id)
		}
	}
	return snapshot.Metadata.Position, snapshot.Metadata.Term
}

func (r *replica) ApplyError() error {
	r.logMutex.Lock()
	defer r.logMutex.Unlock()
	return r.applyErr
}

func (r *replica) LogLength() int {
	r.logMutex.Lock()
	defer r.logMutex.Unlock()
	return len(r.logs)
}

func (r *replica) LogAt(position int) (int, bool) {
	r.logMutex.Lock()
	defer r.logMutex.Unlock()
	value, ok := r.logs[position]
	return value, ok
}

// handleMessage feeds one frame from the simulated network into the
// engine.
func (r *replica) handleMessage(from int, data []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.engine == nil {
		return
	}
	msg := clusterpd.Message{}
	pd.MustUnmarshal(&msg, data)
	r.engine.Step(&msg)
}

// startTimer drives the duty cycle: advance the engine clock, then act
// on its Ready output. Caller holds mutex.
func (r *replica) startTimer() {
	last := time.Now()
	r.timer = utils.StartTimer(tickSize, func(now time.Time) {
		elapsed := int(now.Sub(last).Nanoseconds() / 1000000)
		last = now
		r.tick(elapsed)
	})
}

func (r *replica) tick(elapsedMs int) {
	r.mutex.Lock()
	if r.engine == nil {
		r.mutex.Unlock()
		return
	}

	r.engine.Periodic(elapsedMs)

	ready := r.engine.Ready()
	if !ready.ContainsUpdates() {
		r.mutex.Unlock()
		return
	}

	if len(ready.Entries) > 0 &&
		ready.Entries[0].Position <= r.wlog.HighestPosition() {
		if err := r.wlog.MarkValidLength(ready.Entries[0].Position - 1); err != nil {
			panic(err)
		}
	}
	if err := r.wlog.Save(ready.HS, ready.Entries); err != nil {
		panic(err)
	}
	r.mutex.Unlock()

	for i := range ready.CommitEntries {
		r.applyEntry(&ready.CommitEntries[i])
	}

	for i := range ready.Messages {
		msg := &ready.Messages[i]
		if err := r.handler.Call(int(msg.To), pd.MustMarshal(msg)); err != nil {
			r.unreachable(msg.To)
		}
	}
}

func (r *replica) unreachable(member uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.engine != nil {
		r.engine.Unreachable(member)
	}
}

func (r *replica) applyEntry(entry *clusterpd.Entry) {
	if entry.Type != clusterpd.EntryNormal || len(entry.Data) == 0 {
		return
	}

	value := int(binary.LittleEndian.Uint64(entry.Data))
	position := int(entry.Position)
	err := r.checker.CheckApply(r.ID(), position, value)

	r.logMutex.Lock()
	defer r.logMutex.Unlock()
	if err == nil {
		if last, ok := r.logs[position]; !ok {
			r.logs[position] = value
			r.logPosition = entry.Position
			r.logTerm = entry.Term
		} else {
			err = fmt.Errorf("%d applied position %d twice: %d, last: %d",
				r.id, position, value, last)
		}
	}
	if err != nil {
		r.applyErr = err
	}
}

// ApplySnapshot install a snapshot shipped by the leader. Implements
// core.NodeApplication.
func (r *replica) ApplySnapshot(snapshot *clusterpd.Snapshot) {
	r.persist.save(snapshot)
	r.restoreLogs(snapshot)

	// already under mutex: the engine invokes this from Step
	r.engine.ApplySnapshot(&snapshot.Metadata)
	if r.wlog != nil {
		if err := r.wlog.CutAt(snapshot.Metadata.Position); err != nil {
			panic(err)
		}
	}
}

// ReadSnapshot return the latest snapshot for shipping, nil when none
// was taken yet. Implements core.NodeApplication.
func (r *replica) ReadSnapshot() *clusterpd.Snapshot {
	return r.persist.read()
}

func (r *replica) buildSnapshot() *clusterpd.Snapshot {
	r.logMutex.Lock()
	defer r.logMutex.Unlock()

	table := snapTable{Logs: r.logs}
	return &clusterpd.Snapshot{
		Metadata: clusterpd.SnapshotMetadata{
			Position: r.logPosition,
			Term:     r.logTerm,
		},
		Data: pd.MustMarshal(&table),
	}
}

func (r *replica) restoreLogs(snapshot *clusterpd.Snapshot) {
	r.logMutex.Lock()
	defer r.logMutex.Unlock()

	r.logPosition = snapshot.Metadata.Position
	r.logTerm = snapshot.Metadata.Term
	if snapshot.Data != nil {
		table := snapTable{}
		pd.MustUnmarshal(&table, snapshot.Data)
		r.logs = table.Logs
	} else {
		r.logs = make(map[int]int)
	}
	if r.logs == nil {
		r.logs = make(map[int]int)
	}
}
