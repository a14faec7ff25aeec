package feed

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame is one tag event on the wire. Remote feeds speak JSON frames;
// the QUIC feed adds a 4-byte big-endian length prefix, the WebSocket
// feed relies on message framing.
type Frame struct {
	Op         Op             `json:"op"`
	Tag        string         `json:"tag"`
	EntityID   string         `json:"entity_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Op is the frame operation.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// maxFrameSize bounds length-prefixed frames so a corrupt prefix
// cannot trigger an unbounded allocation.
const maxFrameSize = 1 << 20

// WriteLengthPrefixed encodes the frame as length-prefixed JSON.
func WriteLengthPrefixed(w io.Writer, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode tag frame: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err = w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadLengthPrefixed decodes one length-prefixed JSON frame.
func ReadLengthPrefixed(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return Frame{}, fmt.Errorf("tag frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decode tag frame: %w", err)
	}
	return f, nil
}
