package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, d *Decoder) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func TestEncode_Layout(t *testing.T) {
	out := Encode(OpData, []byte("hello"))
	assert.Equal(t, []byte{0x07, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, out)

	empty := Encode(OpPing, nil)
	assert.Equal(t, []byte{0x08, 0, 0, 0, 0}, empty)
}

func TestDecoder_WholeFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(OpRegister, nil)...)
	stream = append(stream, Encode(OpConnect, Target{ID: "AcornBeaconCedar"}.Marshal())...)
	stream = append(stream, Encode(OpData, []byte{0, 1, 2, 3})...)

	d := NewDecoder(0)
	d.Feed(stream)
	frames := drain(t, d)

	require.Len(t, frames, 3)
	assert.Equal(t, OpRegister, frames[0].Opcode)
	assert.Empty(t, frames[0].Payload)
	assert.Equal(t, OpConnect, frames[1].Opcode)
	assert.Equal(t, OpData, frames[2].Opcode)
	assert.Equal(t, []byte{0, 1, 2, 3}, frames[2].Payload)
	assert.Zero(t, d.Buffered())
}

// Any chunking of a valid stream must yield the same frames.
func TestDecoder_ByteAtATime(t *testing.T) {
	var stream []byte
	payloads := [][]byte{nil, []byte("x"), bytes.Repeat([]byte{0xAB}, 1000), []byte("tail")}
	for _, p := range payloads {
		stream = append(stream, Encode(OpData, p)...)
	}

	for _, chunk := range []int{1, 2, 3, 5, 7, 64, len(stream)} {
		d := NewDecoder(0)
		var frames []Frame
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			d.Feed(stream[off:end])
			frames = append(frames, drain(t, d)...)
		}

		require.Len(t, frames, len(payloads), "chunk size %d", chunk)
		for i, p := range payloads {
			assert.Equal(t, len(p), len(frames[i].Payload), "chunk %d frame %d", chunk, i)
			if len(p) > 0 {
				assert.Equal(t, p, frames[i].Payload)
			}
		}
	}
}

func TestDecoder_PayloadDoesNotAlias(t *testing.T) {
	d := NewDecoder(0)
	d.Feed(Encode(OpData, []byte("first")))
	d.Feed(Encode(OpData, []byte("second")))

	f1, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)

	f2, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "first", string(f1.Payload))
	assert.Equal(t, "second", string(f2.Payload))
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	d := NewDecoder(1024)

	// Only the header is fed: the error must fire without waiting for (or
	// allocating) the advertised payload
	header := []byte{byte(OpData), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(header[1:], 1<<30)
	d.Feed(header)

	_, ok, err := d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// Poisoned: further input is ignored
	d.Feed(Encode(OpPing, nil))
	_, _, err = d.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoder_MaxPayloadBoundary(t *testing.T) {
	d := NewDecoder(16)
	d.Feed(Encode(OpData, make([]byte, 16)))
	frames := drain(t, d)
	require.Len(t, frames, 1)

	d.Feed(Encode(OpData, make([]byte, 17)))
	_, _, err := d.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoder_UnknownOpcode(t *testing.T) {
	d := NewDecoder(0)
	d.Feed(Encode(OpPing, nil))
	d.Feed([]byte{0x7F})

	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpPing, f.Opcode)

	// Detected from the opcode byte alone, before the length arrives
	_, ok, err = d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestDecoder_PartialHeader(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte{byte(OpData), 0, 0})

	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, d.Buffered())

	d.Feed([]byte{0, 2, 'h', 'i'})
	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", string(f.Payload))
}

// A read packed with small frames must decode in linear time.
func TestDecoder_ManySmallFrames(t *testing.T) {
	const frames = (1 << 20) / HeaderSize
	stream := bytes.Repeat(Encode(OpPing, nil), frames)

	d := NewDecoder(0)
	d.Feed(stream)

	start := time.Now()
	n := 0
	for {
		f, ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, OpPing, f.Opcode)
		n++
	}

	assert.Equal(t, frames, n)
	assert.Zero(t, d.Buffered())
	assert.Less(t, time.Since(start), time.Second)
}

func TestDecoder_RemainderCarriesOverFeeds(t *testing.T) {
	d := NewDecoder(0)

	var stream []byte
	for i := 0; i < 100; i++ {
		stream = append(stream, Encode(OpPong, nil)...)
	}
	stream = append(stream, byte(OpData), 0, 0, 0, 3, 'a')
	d.Feed(stream)

	assert.Len(t, drain(t, d), 100)
	assert.Equal(t, 6, d.Buffered())

	d.Feed([]byte{'b', 'c'})
	assert.Equal(t, 8, d.Buffered())

	frames := drain(t, d)
	require.Len(t, frames, 1)
	assert.Equal(t, "abc", string(frames[0].Payload))
	assert.Zero(t, d.Buffered())
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, OpRelay, Target{ID: "OtterPlum"}.Marshal()))
	require.NoError(t, WriteFrame(&buf, OpPong, nil))

	f, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, OpRelay, f.Opcode)
	target, err := UnmarshalTarget(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "OtterPlum", target.ID)

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, OpPong, f.Opcode)

	_, err = ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_Errors(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xEE, 0, 0, 0, 0}), 0)
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	_, err = ReadFrame(bytes.NewReader(Encode(OpData, make([]byte, 32))), 8)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	truncated := Encode(OpData, []byte("abcdef"))[:8]
	_, err = ReadFrame(bytes.NewReader(truncated), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "REGISTER", OpRegister.String())
	assert.Equal(t, "UNREGISTER", OpUnregister.String())
	assert.Equal(t, "UNKNOWN(0x42)", Opcode(0x42).String())
	assert.False(t, Opcode(0).Valid())
	assert.Equal(t, "RelayTimeout", CodeRelayTimeout.String())
	assert.Equal(t, "Code(99)", ErrorCode(99).String())
}

func BenchmarkDecoder(b *testing.B) {
	frame := Encode(OpData, make([]byte, 1400))
	d := NewDecoder(0)

	b.SetBytes(int64(len(frame)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Feed(frame)
		if _, ok, err := d.Next(); !ok || err != nil {
			b.Fatal("decode failed")
		}
	}
}
