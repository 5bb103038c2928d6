package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned for frames that are empty or exceed
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame length out of range")

// FrameKind discriminates frames on a framed channel.
type FrameKind string

const (
	FrameMessage FrameKind = "message"
	FrameChunk   FrameKind = "chunk"
	FrameEnd     FrameKind = "end"
	FrameAbort   FrameKind = "abort"
)

// Frame is one length-prefixed JSON unit. A message frame carries a
// Message; chunk/end/abort frames carry the body of the stream identified
// by Stream.
type Frame struct {
	Kind    FrameKind `json:"kind"`
	Message *Message  `json:"message,omitempty"`
	Stream  uint64    `json:"stream,omitempty"`
	Data    []byte    `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// WriteFrame encodes f as a 4-byte big-endian length followed by JSON.
// Callers serialize concurrent writers.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame. A decode error is returned wrapped in
// *DecodeError so the caller can skip the frame and keep reading; any other
// error means the stream is unusable.
func ReadFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr)
	if n == 0 || n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &f, nil
}

// DecodeError reports a well-delimited frame whose payload could not be
// decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "protocol: decoding frame: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
