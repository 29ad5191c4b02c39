package holder

import (
	log "github.com/sirupsen/logrus"

	"github.com/m7ller/flock/cluster/core/conf"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/utils"
)

func (holder *LogHolder) checkOutOfBounds(lo, hi uint64) {
	utils.Assert(lo <= hi, "%d invalid slice %d > %d", holder.id, lo, hi)

	lower := holder.FirstPosition()
	upper := holder.LastPosition() + 1
	utils.Assert(!(lo < lower || hi > upper),
		"%d slice[%d, %d] out of bound[%d, %d]",
		holder.id, lo, hi, lower, upper)
}

func (holder *LogHolder) truncateAndAppend(entries []clusterpd.Entry) {
	if len(entries) == 0 {
		return
	}

	lastPosition := holder.LastPosition()
	after := entries[0].Position
	if after == lastPosition+1 {
		// after is the next position in holder.entries, append directly
	} else if after <= holder.offset() {
		// the log is being truncated to before our current offset
		// portion, so replace the entries wholesale
		holder.entries = make([]clusterpd.Entry, 0)
	} else {
		holder.checkOutOfBounds(holder.FirstPosition(), after)
		holder.entries = holder.entries[:after-holder.offset()]
	}
	holder.entries = append(holder.entries, entries...)

	holder.validateConsistency()
}

// findConflict return the first position which entries[i].Term is not
// equal to `holder.Term(entries[i].Position)`; if all terms with same
// position are equal, return zero.
func (holder *LogHolder) findConflict(entries []clusterpd.Entry) uint64 {
	for i := 0; i < len(entries); i++ {
		entry := &entries[i]
		if holder.Term(entry.Position) != entry.Term {
			if entry.Position <= holder.LastPosition() {
				log.Infof("%d found conflict at position %d, "+
					"[existing term: %d, conflicting term: %d]",
					holder.id, entry.Position, holder.Term(entry.Position), entry.Term)
			}
			return entry.Position
		}
	}
	return 0
}

// getHintPosition walks back over the term containing prevPos so the
// leader can skip the whole conflicting term on the next probe.
func (holder *LogHolder) getHintPosition(prevPos, prevTerm uint64) uint64 {
	utils.Assert(prevPos != conf.InvalidPosition && prevTerm != conf.InvalidTerm,
		"%d get hint position with invalid pos or term", holder.id)

	pos := prevPos
	term := holder.Term(pos)
	for pos > conf.InvalidPosition {
		if holder.Term(pos) != term {
			return utils.MaxUint64(holder.commitPosition, pos)
		}
		pos--
	}
	return holder.commitPosition
}

// offset return the dummy entry's position.
func (holder *LogHolder) offset() uint64 {
	utils.Assert(len(holder.entries) != 0, "require len(holder.entries) great than zero")
	return holder.entries[0].Position
}

func (holder *LogHolder) validateConsistency() {
	for i := 0; i+1 < len(holder.entries); i++ {
		utils.Assert(holder.entries[i].Position+1 == holder.entries[i+1].Position,
			"%d position:%d at:%d not sequences", holder.id, holder.entries[i].Position, i)
	}
}

// drain like memmove(entries, entries + to, len).
func drain(entries []clusterpd.Entry, to int) []clusterpd.Entry {
	if len(entries) == 0 {
		return entries
	}

	length := len(entries) - to
	for i := 0; i < length; i++ {
		entries[i] = entries[i+to]
	}
	return entries[:length]
}
