package wal

import (
	"encoding/binary"
	"os"

	walpd "github.com/m7ller/flock/cluster/wal/proto"
	"github.com/m7ller/flock/utils/pd"
)

type encoder struct {
	file *os.File
}

func makeEncoder(file *os.File) *encoder {
	return &encoder{
		file: file,
	}
}

// encode frame one record: little-endian int64 length, gob payload,
// zero padding up to the next frame boundary.
func (e *encoder) encode(record *walpd.Record) error {
	bytes, err := pd.Marshal(record)
	if err != nil {
		return err
	}

	length := int64(len(bytes))
	if err := binary.Write(e.file, binary.LittleEndian, length); err != nil {
		return err
	}

	padding := make([]byte, paddedSize(length)-length)
	if _, err := e.file.Write(bytes); err != nil {
		return err
	}
	if _, err := e.file.Write(padding); err != nil {
		return err
	}
	return nil
}

func (e *encoder) flush() error {
	return e.file.Sync()
}

// paddedSize round length up to a multiple of the frame size.
func paddedSize(length int64) int64 {
	return (length + frameSizeBytes - 1) / frameSizeBytes * frameSizeBytes
}
