package holder

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/utils"
)

// LogHolder keeps the in-memory window of the replicated log and the
// bookkeeping the replicator needs. Memory layout:
//
// [offset, lastApplied, commitPosition, lastStabled, lastPosition)
// +--------------+--------------+-------------+-------------+
// | wait compact |  wait apply  | wait commit | wait stable |
// +--------------+--------------+-------------+-------------+
// ^ offset       ^ applied      ^ committed   ^ stabled     ^ last
//
// Notice:
//	- there always has a dummy entry with empty data at offset; it makes
// slicing uniform and carries the snapshot coordinates after compaction.
//	- stabled may transiently run behind commit when stable and send
// happen in parallel; lastApplied never exceeds min(commit, stabled).
type LogHolder struct {
	// owning member id, for logging only
	id uint64

	// last position of entry has been applied
	lastApplied uint64

	// last position of committed entry
	commitPosition uint64

	// last position stable to storage
	lastStabled uint64

	// buffered entries, entries[0] is the dummy
	entries []clusterpd.Entry
}

// MakeLogHolder create & initialize empty LogHolder, and returns.
func MakeLogHolder(id uint64, firstPosition, firstTerm uint64) *LogHolder {
	log.Debugf("make log holder id: %d [pos: %d, term: %d]", id, firstPosition, firstTerm)

	// make dummy entry.
	entries := make([]clusterpd.Entry, 1)
	entries[0].Type = clusterpd.EntryNormal
	entries[0].Position = firstPosition
	entries[0].Term = firstTerm
	return &LogHolder{
		id:             id,
		entries:        entries,
		lastApplied:    firstPosition,
		commitPosition: firstPosition,
		lastStabled:    firstPosition,
	}
}

// RebuildLogHolder construction log holder from exists log entries.
// It required the first entry must be the last applied entry from
// the state machine, and also len(entries) must great than zero.
func RebuildLogHolder(id uint64, entries []clusterpd.Entry) *LogHolder {
	utils.Assert(len(entries) != 0, "required entries not empty")

	firstPosition := entries[0].Position
	lastStabled := entries[len(entries)-1].Position

	log.Debugf("%d rebuild log holder [pos: %d-%d, term: %d-%d]",
		id, firstPosition, lastStabled, entries[0].Term, entries[len(entries)-1].Term)

	// copy make unique constraint.
	dup := make([]clusterpd.Entry, len(entries))
	copy(dup, entries)

	return &LogHolder{
		id:             id,
		entries:        dup,
		lastApplied:    firstPosition,
		commitPosition: firstPosition,
		lastStabled:    lastStabled,
	}
}

// Term return the term of the entry at pos, if there no entry
// with these position, return InvalidTerm.
func (holder *LogHolder) Term(pos uint64) uint64 {
	lastPosition := holder.LastPosition()
	dummyPos := holder.offset()
	if pos < dummyPos || pos > lastPosition {
		return conf.InvalidTerm
	}
	return holder.entries[pos-dummyPos].Term
}

// Slice return the entries between [lo, hi), not included dummy entry.
func (holder *LogHolder) Slice(lo, hi uint64) []clusterpd.Entry {
	holder.checkOutOfBounds(lo, hi)
	offset := holder.offset()
	entries := holder.entries[lo-offset : hi-offset]

	if len(entries) != 0 {
		utils.Assert(entries[0].Position == lo, "error position")
		utils.Assert(entries[len(entries)-1].Position == hi-1, "error position")
	}
	return entries
}

// IsUpToDate determines if the given (pos, term) log is at least as
// up-to-date as the local log, comparing first by term of the last
// entry, then by position. Used to gate vote grants. §5.4.1
func (holder *LogHolder) IsUpToDate(pos, term uint64) bool {
	return term > holder.LastTerm() ||
		(term == holder.LastTerm() && pos >= holder.LastPosition())
}

// LastPosition return the last position of current entries,
// it require `len(entries)` great than zero, otherwise panic.
func (holder *LogHolder) LastPosition() uint64 {
	utils.Assert(len(holder.entries) != 0, "require len(holder.entries) great than zero")
	length := len(holder.entries)
	actual := holder.entries[length-1].Position
	get := holder.offset() + uint64(length) - 1
	utils.Assert(actual == get, "bad entries")
	return get
}

// FirstPosition return the first available entry in current holder.
func (holder *LogHolder) FirstPosition() uint64 {
	utils.Assert(len(holder.entries) != 0, "require len(holder.entries) great than zero")
	return holder.offset() + 1
}

// LastTerm return the last term of current entries.
func (holder *LogHolder) LastTerm() uint64 {
	return holder.Term(holder.LastPosition())
}

// CommitPosition return holder.commitPosition.
func (holder *LogHolder) CommitPosition() uint64 {
	return holder.commitPosition
}

// LastApplied return holder.lastApplied.
func (holder *LogHolder) LastApplied() uint64 {
	return holder.lastApplied
}

// CompactTo drain all entries at or below `to`; the dummy entry takes
// the (to, term) coordinates. Rebuilds the whole window when the target
// conflicts with the existing log, as happens when recovering from a
// snapshot install.
func (holder *LogHolder) CompactTo(to, term uint64) {
	if holder.Term(to) != term || to <= holder.offset() || to > holder.lastApplied {
		log.Debugf("%d compact and rebuild: %d, term: %d", holder.id, to, term)
		entries := make([]clusterpd.Entry, 1)
		entries[0].Position = to
		entries[0].Term = term
		holder.entries = entries
		holder.lastApplied = to
		holder.commitPosition = to
		holder.lastStabled = to
	} else {
		log.Debugf("%d compact to: %d, term: %d", holder.id, to, term)
		offset := holder.offset()
		utils.Assert(offset <= to, "%d compact pos: %d less than first position: %d",
			holder.id, to, offset)
		holder.entries = drain(holder.entries, int(to-offset))
	}
}

// CommitTo change commitPosition to `to`.
func (holder *LogHolder) CommitTo(to uint64) {
	if holder.commitPosition >= to {
		/* never decrease commit */
		return
	} else if holder.lastStabled < to {
		/* cannot commit unstable log entry */
		to = holder.lastStabled
	}

	utils.Assert(holder.LastPosition() >= to,
		"%d toCommit %d is out of range [last position: %d]",
		holder.id, to, holder.LastPosition())

	holder.commitPosition = to

	log.Debugf("%d commit entries to position: %d", holder.id, to)
}

// ApplyEntries return the committed-but-unapplied entries in position
// order and advance lastApplied past them. Because stabled may run
// behind commit, lastApplied lands on min(commit, stabled).
func (holder *LogHolder) ApplyEntries() []clusterpd.Entry {
	target := utils.MinUint64(holder.commitPosition, holder.lastStabled)

	if holder.lastApplied != target {
		log.Debugf("%d apply entries to position: %d", holder.id, target)
	}

	result := holder.Slice(holder.lastApplied+1, target+1)
	holder.lastApplied = target

	return result
}

// StableEntries mark all entries above lastStabled as stabled,
// and return the entries that need to reach stable storage.
func (holder *LogHolder) StableEntries() []clusterpd.Entry {
	lastStabled := holder.lastStabled
	lastPosition := holder.LastPosition()
	utils.Assert(lastStabled <= lastPosition,
		fmt.Sprintf("%d stabled: %d, lastPosition: %d",
			holder.id, lastStabled, lastPosition))

	entries := holder.Slice(lastStabled+1, lastPosition+1)
	holder.lastStabled = lastPosition
	return entries
}

// TryAppend check whether the (prevPos, prevTerm) consistency point
// matches the local log. On match it appends entries, truncating any
// conflicting uncommitted tail first, and returns the new last
// position; otherwise it returns a hinted resync position.
func (holder *LogHolder) TryAppend(prevPos, prevTerm uint64,
	entries []clusterpd.Entry) (uint64, bool) {
	if holder.Term(prevPos) == prevTerm {
		conflictPos := holder.findConflict(entries)
		if conflictPos == 0 {
			/* success, no conflict */
		} else if conflictPos <= holder.commitPosition {
			log.Panicf("%d entry %d conflict with committed entry %d",
				holder.id, conflictPos, holder.commitPosition)
		} else {
			offset := prevPos + 1
			holder.truncateAndAppend(entries[conflictPos-offset:])
		}

		return holder.LastPosition(), true
	}

	utils.Assert(prevPos >= holder.commitPosition,
		"%d entry %d [term: %d] conflict with committed entry term: %d",
		holder.id, prevPos, prevTerm, holder.Term(prevPos))

	return holder.getHintPosition(prevPos, prevTerm), false
}

// Append push entries at back, and return the new last position.
func (holder *LogHolder) Append(entries []clusterpd.Entry) uint64 {
	if len(entries) == 0 {
		return holder.LastPosition()
	}

	prevPosition := entries[0].Position - 1
	utils.Assert(prevPosition >= holder.commitPosition,
		"%d after %d is out of range [committed: %d]",
		holder.id, prevPosition, holder.commitPosition)

	holder.entries = append(holder.entries, entries...)
	return holder.LastPosition()
}
