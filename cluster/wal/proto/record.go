package walpd

import "encoding/gob"

// Record is one framed unit in a log segment file.
type Record struct {
	Type int32
	Crc  uint32
	Data []byte
}

func (r *Record) Reset() { *r = Record{} }

// ValidMark records the highest position acknowledged as valid at the
// time it was written; replay discards any entries above it.
type ValidMark struct {
	Position uint64
}

func (m *ValidMark) Reset() { *m = ValidMark{} }

func init() {
	gob.Register(Record{})
	gob.Register(ValidMark{})
}
