package wire

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v with msgpack, honouring json struct tags so payload types
// carry a single set of field names.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// EncodeFrame serializes a whole envelope for transmission.
func EncodeFrame(env Envelope) ([]byte, error) {
	return Marshal(env)
}

// DecodeFrame restores an envelope written by EncodeFrame.
func DecodeFrame(frame []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
