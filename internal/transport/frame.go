// Package transport moves opaque document frames between replicas over
// persistent websocket connections. It knows nothing about document
// semantics: payloads are encoded CRDT states, and the transport's only
// job is framing, liveness, and non-blocking delivery with a bounded
// buffer. Dropped frames are safe by construction, because every
// (re)connect starts with a full-state exchange.
package transport

import (
	"encoding/json"
	"fmt"
)

// Frame kinds.
const (
	// KindHello introduces the sender's replica identity after connect.
	KindHello = "hello"
	// KindState carries a full document snapshot.
	KindState = "state"
	// KindDelta carries an incremental document change.
	KindDelta = "delta"
)

// Frame is the wire envelope. Payload is opaque here; both state and
// delta payloads merge through the same path on the receiving side.
type Frame struct {
	Kind    string          `json:"kind"`
	Doc     string          `json:"doc,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	return data, nil
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("frame missing kind")
	}
	return f, nil
}
