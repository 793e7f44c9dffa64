package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxStringLength is the longest string a payload field can carry. Longer
// values are truncated on encode.
const MaxStringLength = 0xFFFF

var (
	// ErrShortPayload is returned when a payload ends before all fields
	// have been read.
	ErrShortPayload = errors.New("payload truncated")

	// ErrTrailingBytes is returned when a payload has bytes left over after
	// its last field.
	ErrTrailingBytes = errors.New("payload has trailing bytes")
)

// ============================================================================
// Field Encoding
// ============================================================================

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) putUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *fieldWriter) putString(s string) {
	if len(s) > MaxStringLength {
		s = s[:MaxStringLength]
	}
	w.putUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

type fieldReader struct {
	buf []byte
	off int
	err error
}

func (r *fieldReader) uint16(field string) uint16 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.off < 2 {
		r.err = fmt.Errorf("%w: reading %s", ErrShortPayload, field)
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *fieldReader) string(field string) string {
	n := int(r.uint16(field + " length"))
	if r.err != nil {
		return ""
	}
	if len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: %s needs %d bytes, %d left", ErrShortPayload, field, n, len(r.buf)-r.off)
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *fieldReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, len(r.buf)-r.off)
	}
	return nil
}

// ============================================================================
// Typed Payloads
// ============================================================================

// Registered is the REGISTERED payload: the assigned identifiers and the
// public endpoint the server observed.
type Registered struct {
	PublicID string
	LocalID  string
	Address  string
	Port     uint16
}

func (m Registered) Marshal() []byte {
	w := fieldWriter{buf: make([]byte, 0, 8+len(m.PublicID)+len(m.LocalID)+len(m.Address))}
	w.putString(m.PublicID)
	w.putString(m.LocalID)
	w.putString(m.Address)
	w.putUint16(m.Port)
	return w.buf
}

func UnmarshalRegistered(b []byte) (Registered, error) {
	r := fieldReader{buf: b}
	m := Registered{
		PublicID: r.string("public id"),
		LocalID:  r.string("local id"),
		Address:  r.string("address"),
		Port:     r.uint16("port"),
	}
	return m, r.finish()
}

// Target is the CONNECT and RELAY payload: the local id of the host to reach.
type Target struct {
	ID string
}

func (m Target) Marshal() []byte {
	w := fieldWriter{buf: make([]byte, 0, 2+len(m.ID))}
	w.putString(m.ID)
	return w.buf
}

func UnmarshalTarget(b []byte) (Target, error) {
	r := fieldReader{buf: b}
	m := Target{ID: r.string("target id")}
	return m, r.finish()
}

// Connected is the CONNECTED payload sent to each side of a CONNECT. It
// describes the other party: its public id, its observed public endpoint
// and, when it reported one, its local endpoint ("ip:port", may be empty).
type Connected struct {
	PeerPublicID string
	Address      string
	Port         uint16
	LocalAddress string
}

func (m Connected) Marshal() []byte {
	w := fieldWriter{buf: make([]byte, 0, 8+len(m.PeerPublicID)+len(m.Address)+len(m.LocalAddress))}
	w.putString(m.PeerPublicID)
	w.putString(m.Address)
	w.putUint16(m.Port)
	w.putString(m.LocalAddress)
	return w.buf
}

func UnmarshalConnected(b []byte) (Connected, error) {
	r := fieldReader{buf: b}
	m := Connected{
		PeerPublicID: r.string("peer public id"),
		Address:      r.string("address"),
		Port:         r.uint16("port"),
		LocalAddress: r.string("local address"),
	}
	return m, r.finish()
}

// Relayed is the RELAYED payload identifying the relay peer.
type Relayed struct {
	PeerPublicID string
}

func (m Relayed) Marshal() []byte {
	w := fieldWriter{buf: make([]byte, 0, 2+len(m.PeerPublicID))}
	w.putString(m.PeerPublicID)
	return w.buf
}

func UnmarshalRelayed(b []byte) (Relayed, error) {
	r := fieldReader{buf: b}
	m := Relayed{PeerPublicID: r.string("peer public id")}
	return m, r.finish()
}

// Error is the ERROR payload. It also implements the error interface so
// clients can return a received ERROR frame directly.
type Error struct {
	Code    ErrorCode
	Message string
}

func (m Error) Marshal() []byte {
	w := fieldWriter{buf: make([]byte, 0, 4+len(m.Message))}
	w.putUint16(uint16(m.Code))
	w.putString(m.Message)
	return w.buf
}

func (m Error) Error() string {
	if m.Message == "" {
		return m.Code.String()
	}
	return fmt.Sprintf("%s: %s", m.Code, m.Message)
}

func UnmarshalError(b []byte) (Error, error) {
	r := fieldReader{buf: b}
	m := Error{
		Code:    ErrorCode(r.uint16("code")),
		Message: r.string("message"),
	}
	return m, r.finish()
}

// Address is the ADDRESS payload: the client's self-reported local
// endpoint as "ip:port".
type Address struct {
	Value string
}

func (m Address) Marshal() []byte {
	w := fieldWriter{buf: make([]byte, 0, 2+len(m.Value))}
	w.putString(m.Value)
	return w.buf
}

func UnmarshalAddress(b []byte) (Address, error) {
	r := fieldReader{buf: b}
	m := Address{Value: r.string("address")}
	return m, r.finish()
}
