// Package wire implements the coordinator protocol's length-prefixed frame
// codec: u16 size (little-endian, total including header) · u8 type ·
// payload[size-3].
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest total frame size the codec will accept, the
// natural limit of the u16 size prefix.
const MaxFrameSize = 65535

// MinFrameSize is the smallest legal frame: a 3-byte header with no payload.
const MinFrameSize = 3

// ErrNeedMore is returned by Decoder.Next when the buffer does not yet hold
// a complete frame. It is not a decode error; the caller should read more
// bytes from the transport and feed them in.
var ErrNeedMore = errors.New("wire: need more data")

// ErrPoisoned is returned once a Decoder has seen a malformed frame. A
// poisoned decoder never produces another frame.
var ErrPoisoned = errors.New("wire: stream poisoned by previous decode error")

// Frame is one fully-framed coordinator packet.
type Frame struct {
	Type    byte
	Payload []byte
}

// Decoder accumulates bytes from a transport and peels off complete frames.
// It owns no socket; callers Feed it bytes and call Next in a loop.
type Decoder struct {
	buf      []byte
	poisoned bool
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes to the decoder's buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next fully-framed packet, ErrNeedMore if the buffer is
// short, or a decode error if the buffer starts with a malformed frame. A
// decode error poisons the decoder: every subsequent call also fails.
func (d *Decoder) Next() (Frame, error) {
	if d.poisoned {
		return Frame{}, ErrPoisoned
	}
	if len(d.buf) < 2 {
		return Frame{}, ErrNeedMore
	}

	size := int(binary.LittleEndian.Uint16(d.buf[0:2]))
	if size < MinFrameSize || size > MaxFrameSize {
		d.poisoned = true
		return Frame{}, fmt.Errorf("wire: invalid frame size %d: %w", size, ErrPoisoned)
	}
	if len(d.buf) < size {
		return Frame{}, ErrNeedMore
	}

	typ := d.buf[2]
	payload := make([]byte, size-MinFrameSize)
	copy(payload, d.buf[3:size])

	remaining := len(d.buf) - size
	copy(d.buf, d.buf[size:])
	d.buf = d.buf[:remaining]

	return Frame{Type: typ, Payload: payload}, nil
}

// Buffered reports how many unconsumed bytes remain in the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// EncodeFrame produces a contiguous byte slice with a correct size prefix
// for the given type and payload.
func EncodeFrame(typ byte, payload []byte) ([]byte, error) {
	total := MinFrameSize + len(payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", total)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(total))
	buf[2] = typ
	copy(buf[3:], payload)
	return buf, nil
}
