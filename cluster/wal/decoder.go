package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	walpd "github.com/m7ller/flock/cluster/wal/proto"
	"github.com/m7ller/flock/utils/pd"
)

const frameSizeBytes = 8

type decoder struct {
	brs []*bufio.Reader
}

func makeDecoder(files []*os.File) *decoder {
	readers := make([]*bufio.Reader, len(files))
	for i := range files {
		readers[i] = bufio.NewReader(files[i])
	}
	return &decoder{brs: readers}
}

// lastFile reports whether the decoder is positioned in the final
// segment, where a torn tail from a crash mid-write is tolerated.
func (d *decoder) lastFile() bool {
	return len(d.brs) == 1
}

func (d *decoder) decode(record *walpd.Record) error {
	record.Reset()
	if len(d.brs) == 0 {
		return io.EOF
	}

	length, err := readInt64(d.brs[0])
	if err == io.EOF || (err == nil && length == 0) {
		// hit end of file or preallocated space
		d.brs = d.brs[1:]
		if len(d.brs) == 0 {
			return io.EOF
		}
		return d.decode(record)
	}
	if err != nil {
		return err
	}

	data := make([]byte, paddedSize(length))
	if _, err = io.ReadFull(d.brs[0], data); err != nil {
		// ReadFull returns io.EOF only if no bytes were read;
		// treat it as ErrUnexpectedEOF instead.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if err := pd.Unmarshal(record, data[:length]); err != nil {
		return err
	}

	crc := crc32.Checksum(record.Data, crcTable)
	if record.Crc != crc {
		return ErrCRCMismatch
	}

	return nil
}

func readInt64(r io.Reader) (int64, error) {
	var n int64
	err := binary.Read(r, binary.LittleEndian, &n)
	return n, err
}
