package pd

import (
	"bytes"
	"encoding/gob"
	"log"
)

// Message is anything that can travel through the log or the bus.
type Message interface {
	Reset()
}

// Marshal encode msg with gob.
func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	if err := encoder.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal encode msg, panic on failure.
func MustMarshal(msg Message) []byte {
	d, err := Marshal(msg)
	if err != nil {
		log.Panicf("marshal should never fail (%v)", err)
	}
	return d
}

// Unmarshal decode data into msg.
func Unmarshal(msg Message, data []byte) error {
	buf := bytes.NewBuffer(data)
	decoder := gob.NewDecoder(buf)
	if err := decoder.Decode(msg); err != nil {
		return err
	}
	return nil
}

// MustUnmarshal decode data into msg, panic on failure.
func MustUnmarshal(msg Message, data []byte) {
	if err := Unmarshal(msg, data); err != nil {
		log.Panicf("unmarshal should never fail (%v)", err)
	}
}

// MaybeUnmarshal decode data into msg, report success.
func MaybeUnmarshal(msg Message, data []byte) bool {
	return Unmarshal(msg, data) == nil
}
