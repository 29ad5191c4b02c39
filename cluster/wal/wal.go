// Package wal provides a segmented, checksummed write-ahead log for
// cluster entries and hard state. Every record is framed to an 8 byte
// boundary and carries a Castagnoli CRC over its payload; a mismatch
// during replay aborts recovery because it means the stored log can no
// longer be trusted.
package wal

import (
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	clusterpd "github.com/m7ller/flock/cluster/proto"
	walpd "github.com/m7ller/flock/cluster/wal/proto"
	"github.com/m7ller/flock/utils"
	"github.com/m7ller/flock/utils/pd"
)

const (
	recordEntry int32 = iota + 1
	recordState
	recordValidMark
)

// segmentSizeBytes is the rotation threshold for a segment file.
var segmentSizeBytes int64 = 64 * 1024 * 1024

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrFileNotFound = errors.New("wal: file not found")
	ErrCRCMismatch  = errors.New("wal: crc mismatch")
	ErrOutOfRange   = errors.New("wal: position out of range")
)

// Log is an append-only store of entries and hard state. All writes go
// through Save or MarkValidLength and are synced before returning, so
// an acknowledged write survives a crash.
type Log struct {
	dir string

	// position of the last entry saved to the log
	lastPosition uint64

	file    *os.File
	fileSeq uint64
	enc     *encoder

	decoder *decoder
}

// Create initializes a fresh log in dir. The directory must exist and
// hold no previous segments.
func Create(dir string) (*Log, error) {
	if names, _ := readAllSegmentNames(dir); len(names) != 0 {
		return nil, os.ErrExist
	}

	name := path.Join(dir, segmentName(0, 1))
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	return &Log{
		dir:  dir,
		file: file,
		enc:  makeEncoder(file),
	}, nil
}

// Open opens the log for replay starting from the segment that contains
// the given position, which is normally the snapshot position plus one
// (or one for a log with no snapshot). ReadAll must be called before
// the first Save.
func Open(dir string, position uint64) (*Log, error) {
	names, err := readAllSegmentNames(dir)
	if err != nil {
		return nil, err
	}
	if !isValidSequences(names) {
		return nil, errors.New("wal: segment sequences are broken")
	}

	idx, ok := searchPosition(names, position)
	if !ok {
		// the segment holding position was already released
		return nil, ErrOutOfRange
	}

	files := make([]*os.File, 0, len(names)-idx)
	for i := idx; i < len(names); i++ {
		file, err := os.OpenFile(path.Join(dir, names[i]), os.O_RDWR, 0600)
		if err != nil {
			closeAll(files...)
			return nil, err
		}
		files = append(files, file)
	}

	lastSeq, _, err := parseSegmentName(names[len(names)-1])
	utils.Assert(err == nil, "parse correct name should never fail")

	return &Log{
		dir:     dir,
		file:    files[len(files)-1],
		fileSeq: lastSeq,
		decoder: makeDecoder(files),
	}, nil
}

// Exist reports whether dir holds any log segments.
func Exist(dir string) bool {
	names, err := readAllSegmentNames(dir)
	return err == nil && len(names) != 0
}

// ReadAll replays every record after the open position and returns the
// recovered hard state and entries. A later entry record at a position
// already seen replaces the old tail from that position on, which is
// how a truncate-and-append by a new leader is represented on disk. A
// torn record at the very end of the last segment is tolerated as a
// crash mid-write; a CRC mismatch anywhere is not.
func (l *Log) ReadAll() (state clusterpd.HardState, entries []clusterpd.Entry, err error) {
	utils.AssertNotNil(l.decoder, "log must be opened for replay")

	record := walpd.Record{}
	for {
		lastFile := l.decoder.lastFile()
		if err = l.decoder.decode(&record); err != nil {
			if err == io.ErrUnexpectedEOF && !lastFile {
				// only the final segment may end mid-record
				return clusterpd.HardState{}, nil, err
			}
			break
		}

		switch record.Type {
		case recordEntry:
			entry := clusterpd.Entry{}
			pd.MustUnmarshal(&entry, record.Data)
			entries = appendEntry(entries, entry)
			if entry.Position > l.lastPosition {
				l.lastPosition = entry.Position
			}
		case recordState:
			pd.MustUnmarshal(&state, record.Data)
		case recordValidMark:
			mark := walpd.ValidMark{}
			pd.MustUnmarshal(&mark, record.Data)
			entries = trimEntries(entries, mark.Position)
			if l.lastPosition > mark.Position {
				l.lastPosition = mark.Position
			}
		default:
			return clusterpd.HardState{}, nil, errors.New("wal: unexpected record type")
		}
	}

	switch err {
	case io.EOF:
		// clean end of replay
	case io.ErrUnexpectedEOF:
		// torn tail write: the crash happened mid-record, so the
		// record was never acknowledged and may be discarded.
		log.Warnf("wal: discard torn record at tail of %s", l.file.Name())
		if err = l.repairTail(); err != nil {
			return clusterpd.HardState{}, nil, err
		}
	default:
		return clusterpd.HardState{}, nil, err
	}

	// replay is done, switch to append mode at the tail
	l.decoder = nil
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return clusterpd.HardState{}, nil, err
	}
	l.enc = makeEncoder(l.file)
	return state, entries, nil
}

// Save persists entries and, when it changed, the hard state. It must
// not return before both are synced to disk: the consensus engine sends
// messages referring to these entries immediately afterwards.
func (l *Log) Save(state *clusterpd.HardState, entries []clusterpd.Entry) error {
	utils.Assert(l.enc != nil, "log is still replaying")
	if state == nil && len(entries) == 0 {
		return nil
	}

	for i := range entries {
		if err := l.saveEntry(&entries[i]); err != nil {
			return err
		}
	}
	if state != nil {
		if err := l.saveState(state); err != nil {
			return err
		}
	}
	if err := l.enc.flush(); err != nil {
		return err
	}
	return l.tryRotate()
}

// MarkValidLength records that no entry above position should survive
// replay. It is written when a conflicting suffix is truncated so a
// restart cannot resurrect discarded entries.
func (l *Log) MarkValidLength(position uint64) error {
	utils.Assert(l.enc != nil, "log is still replaying")

	mark := walpd.ValidMark{Position: position}
	data := pd.MustMarshal(&mark)
	record := walpd.Record{
		Type: recordValidMark,
		Crc:  crc32.Checksum(data, crcTable),
		Data: data,
	}
	if err := l.enc.encode(&record); err != nil {
		return err
	}
	if l.lastPosition > position {
		l.lastPosition = position
	}
	return l.enc.flush()
}

// HighestPosition returns the position of the last saved entry.
func (l *Log) HighestPosition() uint64 {
	return l.lastPosition
}

// ReleaseBelow removes segments that are not needed to replay from
// firstNeeded, typically the position right after a snapshot. A segment
// may only go once the following segment starts at or below it.
func (l *Log) ReleaseBelow(firstNeeded uint64) error {
	names, err := readAllSegmentNames(l.dir)
	if err != nil {
		return err
	}

	for i := 0; i+1 < len(names); i++ {
		_, nextFirst, err := parseSegmentName(names[i+1])
		if err != nil {
			return err
		}
		if nextFirst > firstNeeded {
			break
		}
		if err := os.Remove(path.Join(l.dir, names[i])); err != nil {
			return err
		}
	}
	return nil
}

// CutAt starts a fresh segment whose first position follows an
// installed snapshot. Without the cut, the next Save would leave a
// position gap behind the snapshot that replay refuses.
func (l *Log) CutAt(position uint64) error {
	name := path.Join(l.dir, segmentName(l.fileSeq+1, position+1))
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}

	l.file.Close()
	l.file = file
	l.fileSeq++
	l.enc = makeEncoder(file)
	l.lastPosition = position
	return nil
}

func (l *Log) Close() {
	if l.file != nil {
		l.file.Sync()
		l.file.Close()
	}
}

func (l *Log) saveEntry(entry *clusterpd.Entry) error {
	data := pd.MustMarshal(entry)
	record := walpd.Record{
		Type: recordEntry,
		Crc:  crc32.Checksum(data, crcTable),
		Data: data,
	}
	if err := l.enc.encode(&record); err != nil {
		return err
	}
	if entry.Position > l.lastPosition {
		l.lastPosition = entry.Position
	}
	return nil
}

func (l *Log) saveState(state *clusterpd.HardState) error {
	data := pd.MustMarshal(state)
	record := walpd.Record{
		Type: recordState,
		Crc:  crc32.Checksum(data, crcTable),
		Data: data,
	}
	return l.enc.encode(&record)
}

// tryRotate cuts a new segment once the active one crossed the size
// threshold. The new segment is named after the next entry position so
// searchPosition can find the right replay start.
func (l *Log) tryRotate() error {
	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < segmentSizeBytes {
		return nil
	}

	name := path.Join(l.dir, segmentName(l.fileSeq+1, l.lastPosition+1))
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}

	l.file.Close()
	l.file = file
	l.fileSeq++
	l.enc = makeEncoder(file)
	return nil
}

// repairTail truncates the active segment after the last whole record,
// dropping the torn one so the next Save starts on a frame boundary.
func (l *Log) repairTail() error {
	valid, err := validPrefix(l.file)
	if err != nil {
		return err
	}
	return l.file.Truncate(valid)
}

// validPrefix scans the file from the beginning and returns the byte
// offset after the last whole record.
func validPrefix(file *os.File) (int64, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	stat, err := file.Stat()
	if err != nil {
		return 0, err
	}
	size := stat.Size()

	var offset int64
	for {
		length, err := readInt64(file)
		if err == io.EOF || (err == nil && length == 0) {
			return offset, nil
		}
		if err != nil {
			return offset, nil
		}
		next := offset + int64(frameSizeBytes) + paddedSize(length)
		if next > size {
			return offset, nil
		}
		if _, err := file.Seek(next, io.SeekStart); err != nil {
			return 0, err
		}
		offset = next
	}
}

// appendEntry adds one replayed entry, overwriting any conflicting tail
// when the entry's position was already seen.
func appendEntry(entries []clusterpd.Entry, entry clusterpd.Entry) []clusterpd.Entry {
	if len(entries) == 0 {
		return append(entries, entry)
	}

	last := entries[len(entries)-1].Position
	switch {
	case entry.Position == last+1:
		return append(entries, entry)
	case entry.Position <= last:
		first := entries[0].Position
		if entry.Position < first {
			return append(entries[:0], entry)
		}
		return append(entries[:entry.Position-first], entry)
	default:
		log.Panicf("wal: replay hit a gap, last position %d followed by %d",
			last, entry.Position)
		return nil
	}
}

func trimEntries(entries []clusterpd.Entry, validTo uint64) []clusterpd.Entry {
	for len(entries) > 0 && entries[len(entries)-1].Position > validTo {
		entries = entries[:len(entries)-1]
	}
	return entries
}
