package snap

import (
	"github.com/ugorji/go/codec"
)

// Canonical sorts map keys during encode; snapshot images must be byte
// identical across replicas.
var msgpackHandle = func() *codec.MsgpackHandle {
	handle := &codec.MsgpackHandle{}
	handle.Canonical = true
	return handle
}()

// Encode serializes a snapshot component (machine image, session
// table) with msgpack.
func Encode(value interface{}) ([]byte, error) {
	var data []byte
	if err := codec.NewEncoderBytes(&data, msgpackHandle).Encode(value); err != nil {
		return nil, err
	}
	return data, nil
}

func Decode(data []byte, value interface{}) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(value)
}
