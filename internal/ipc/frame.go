// Package ipc implements the local, length-delimited frame transport spec
// §6 calls for: a one-byte discriminator followed by a 4-byte big-endian
// length and a JSON payload. The read side is built the same way the
// teacher's internal/http10 parser reads a request — incrementally off a
// bufio.Reader with sentinel errors for malformed input — adapted from a
// CRLF text protocol to a binary one.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// ErrMalformed covers any frame that cannot be parsed: truncated length
// prefix, oversized payload, or invalid JSON body.
var ErrMalformed = errors.New("ipc: malformed frame")

// maxFrameBytes bounds a single frame's payload to guard against a
// malicious or buggy client claiming an enormous length.
const maxFrameBytes = 16 << 20 // 16 MiB

// Frame is one discriminator-tagged, JSON-encoded message.
type Frame struct {
	Kind    byte
	Payload []byte
}

// WriteFrame writes kind and a JSON-encoded payload to w.
func WriteFrame(w io.Writer, kind byte, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	buf := make([]byte, 5+len(body))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(body)))
	copy(buf[5:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. Returns io.EOF if the connection closed
// cleanly between frames; any other error is wrapped in ErrMalformed.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, ErrMalformed
	}
	kind := header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if length > maxFrameBytes {
		return Frame{}, ErrMalformed
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, ErrMalformed
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// Decode unmarshals a frame's JSON payload into v.
func Decode(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return ErrMalformed
	}
	return nil
}
