package app

import (
	"encoding/gob"
	"sync"

	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/utils/pd"
)

// snapTable is the snapshot body of a simulated replica.
type snapTable struct {
	Logs map[int]int
}

func (t *snapTable) Reset() { *t = snapTable{} }

func init() {
	gob.Register(snapTable{})
}

// persister keeps the latest snapshot in memory, surviving a simulated
// crash but not a test-process restart.
type persister struct {
	mutex    sync.Mutex
	snapshot []byte
}

func (p *persister) save(snapshot *clusterpd.Snapshot) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.snapshot = pd.MustMarshal(snapshot)
}

func (p *persister) read() *clusterpd.Snapshot {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.snapshot == nil {
		return nil
	}
	snapshot := &clusterpd.Snapshot{}
	pd.MustUnmarshal(snapshot, p.snapshot)
	return snapshot
}
