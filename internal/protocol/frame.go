package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthPrefixSize is the size of the frame length prefix in bytes.
const LengthPrefixSize = 4

// DefaultMaxFrameSize bounds a single frame body. A declared length above
// the limit is treated as a protocol error rather than an allocation.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame declares a body above the limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// EncodeFrame encodes p and prepends the little-endian length prefix.
func EncodeFrame(p Packet) ([]byte, error) {
	body, err := Encode(p)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// ReadFrame reads a single length-prefixed frame body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	if length > DefaultMaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, DefaultMaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
	}
	return body, nil
}

// ReadPacket reads and decodes one frame from r.
func ReadPacket(r io.Reader) (Packet, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// WritePacket encodes p and writes it to w as one frame.
func WritePacket(w io.Writer, p Packet) error {
	frame, err := EncodeFrame(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", p.Kind(), err)
	}
	return nil
}

// Reassembler turns an arbitrarily chunked byte stream back into packets.
// It is not safe for concurrent use; the owning connection feeds it from a
// single goroutine.
type Reassembler struct {
	buf      []byte
	maxFrame int
	err      error
}

// NewReassembler creates a reassembler. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewReassembler(maxFrame int) *Reassembler {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reassembler{maxFrame: maxFrame}
}

// Feed appends b to the receive buffer and returns every packet completed
// by it, in arrival order. After a decode failure the stream cannot be
// resynchronised: the error is returned along with the packets decoded
// before it, and every later call returns the same error.
func (r *Reassembler) Feed(b []byte) ([]Packet, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(b) == 0 {
		return nil, nil
	}
	r.buf = append(r.buf, b...)

	var out []Packet
	for len(r.buf) >= LengthPrefixSize {
		length := binary.LittleEndian.Uint32(r.buf[:LengthPrefixSize])
		if uint64(length) > uint64(r.maxFrame) {
			r.fail(fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, r.maxFrame))
			return out, r.err
		}

		end := LengthPrefixSize + int(length)
		if len(r.buf) < end {
			break
		}

		p, err := Decode(r.buf[LengthPrefixSize:end])
		if err != nil {
			r.fail(err)
			return out, r.err
		}
		out = append(out, p)
		r.buf = r.buf[end:]
	}

	// Release the consumed prefix once the buffer drains.
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes held waiting for a complete frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Err returns the error that poisoned the reassembler, if any.
func (r *Reassembler) Err() error {
	return r.err
}

func (r *Reassembler) fail(err error) {
	r.err = err
	r.buf = nil
}
