package peer

import "github.com/m7ller/flock/utils"

// inFlights tracks the positions of replication messages sent but not
// yet acknowledged. Positions only arrive in ascending order, so a
// bounded ascending slice is enough; when it reaches its limit the
// leader stops sending until acknowledgments free room.
type inFlights struct {
	limit  int
	window []uint64
}

func makeInFlights(limit int) inFlights {
	return inFlights{
		limit:  limit,
		window: make([]uint64, 0, limit),
	}
}

func (f *inFlights) full() bool {
	return len(f.window) >= f.limit
}

// add records one sent position. The caller checks full() first.
func (f *inFlights) add(position uint64) {
	utils.Assert(!f.full(), "add to a full window")
	utils.Assert(len(f.window) == 0 || position > f.window[len(f.window)-1],
		"positions must ascend")
	f.window = append(f.window, position)
}

// freeTo drops every position at or below the acknowledged one. A stale
// acknowledgment below the window frees nothing.
func (f *inFlights) freeTo(position uint64) {
	kept := 0
	for kept < len(f.window) && f.window[kept] <= position {
		kept++
	}
	f.window = append(f.window[:0], f.window[kept:]...)
}

func (f *inFlights) reset() {
	f.window = f.window[:0]
}
