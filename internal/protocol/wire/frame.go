package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a header advertises a payload longer
	// than the configured maximum. Nothing is allocated for such a frame.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnknownOpcode is returned for an opcode outside the protocol table.
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// Frame is a single decoded protocol message.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// Decoder turns an arbitrarily chunked byte stream into frames.
//
// Feed appends bytes as they arrive from the socket; Next yields the next
// complete frame, if any. Partial headers and payloads are kept across calls,
// so a frame split over many reads decodes exactly like one delivered whole.
// After an error the Decoder is poisoned and keeps returning it.
//
// A Decoder is not safe for concurrent use; each session owns one.
type Decoder struct {
	buf        []byte
	off        int // start of undecoded bytes in buf
	maxPayload uint32
	err        error
}

// NewDecoder creates a decoder rejecting payloads above maxPayload bytes.
// maxPayload <= 0 uses DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: uint32(maxPayload)}
}

// Feed appends received bytes to the internal buffer.
//
// Bytes already consumed by Next are dropped here, once per Feed, so the
// buffer stays bounded without shifting it after every frame.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete frame. ok is false when more input is
// needed. The returned payload does not alias the decoder's buffer.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}
	buf := d.buf[d.off:]
	if len(buf) == 0 {
		return Frame{}, false, nil
	}

	// The opcode is checked as soon as its byte arrives
	op := Opcode(buf[0])
	if !op.Valid() {
		d.fail(fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, buf[0]))
		return Frame{}, false, d.err
	}

	if len(buf) < HeaderSize {
		return Frame{}, false, nil
	}

	length := binary.BigEndian.Uint32(buf[1:HeaderSize])
	if length > d.maxPayload {
		d.fail(fmt.Errorf("%w: %s advertises %d bytes (max %d)",
			ErrFrameTooLarge, op, length, d.maxPayload))
		return Frame{}, false, d.err
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])

	d.off += total
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}

	return Frame{Opcode: op, Payload: payload}, true, nil
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.buf = nil
	d.off = 0
}

// Encode serializes a frame into a freshly allocated buffer.
func Encode(op Opcode, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = byte(op)
	binary.BigEndian.PutUint32(out[1:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// WriteFrame encodes and writes a frame in a single Write call.
func WriteFrame(w io.Writer, op Opcode, payload []byte) error {
	if _, err := w.Write(Encode(op, payload)); err != nil {
		return fmt.Errorf("write %s frame: %w", op, err)
	}
	return nil
}

// ReadFrame blocks until one whole frame has been read from r.
//
// It is the synchronous counterpart of Decoder, used by clients and tests.
// maxPayload <= 0 uses DefaultMaxPayload.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	op := Opcode(header[0])
	if !op.Valid() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, header[0])
	}

	length := binary.BigEndian.Uint32(header[1:])
	if uint64(length) > uint64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: %s advertises %d bytes (max %d)",
			ErrFrameTooLarge, op, length, maxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read %s payload: %w", op, err)
	}

	return Frame{Opcode: op, Payload: payload}, nil
}
