// Package wire implements the scheduler's wire protocol: length-prefixed
// frames, each carrying an opcode-tagged, msgpack-encoded message. Every
// message is free-form with respect to its opcode's payload struct; the
// scheduler never needs to know the shape of a frame it doesn't handle,
// so unknown opcodes are simply logged and dropped rather than treated as
// protocol errors.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

var msgpackHandle = &codec.MsgpackHandle{}

// maxFrameSize bounds a single frame so a corrupt or hostile length
// prefix cannot force an unbounded allocation.
const maxFrameSize = 64 << 20

// Envelope is the outer frame shape: an opcode and its msgpack-encoded
// payload. Body is decoded a second time into the opcode's typed struct
// by the caller, mirroring a two-stage command-dispatch envelope.
type Envelope struct {
	Op   string `codec:"op"`
	Body []byte `codec:"body"`
}

// Encode msgpack-encodes v.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode msgpack-decodes data into out.
func Decode(data []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

// EncodeEnvelope encodes payload and wraps it with op into a single
// msgpack-encoded Envelope, ready to be framed with WriteFrame.
func EncodeEnvelope(op string, payload interface{}) ([]byte, error) {
	body, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	return Encode(Envelope{Op: op, Body: body})
}

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds maximum %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return buf, nil
}

// WriteMessage encodes payload under op and writes it as one frame.
func WriteMessage(w io.Writer, op string, payload interface{}) error {
	raw, err := EncodeEnvelope(op, payload)
	if err != nil {
		return err
	}
	return WriteFrame(w, raw)
}

// ReadMessage reads one frame and decodes its envelope, returning the
// opcode and the still-encoded body for the caller to decode by type.
func ReadMessage(r io.Reader) (op string, body []byte, err error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return "", nil, err
	}
	var env Envelope
	if err := Decode(raw, &env); err != nil {
		return "", nil, err
	}
	return env.Op, env.Body, nil
}
