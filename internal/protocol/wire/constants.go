package wire

import "fmt"

// HeaderSize is the fixed frame header: 1 byte opcode + 4 byte big-endian
// payload length.
const HeaderSize = 5

// DefaultMaxPayload bounds the advertised payload length when the caller
// does not configure one.
const DefaultMaxPayload = 64 * 1024

// Opcode identifies the frame type.
type Opcode uint8

// Protocol opcodes
const (
	// OpRegister asks the server for a fresh identity. No payload.
	OpRegister Opcode = 0x01

	// OpRegistered answers REGISTER. Payload: Registered.
	OpRegistered Opcode = 0x02

	// OpConnect asks for the endpoint of another host. Payload: Target.
	OpConnect Opcode = 0x03

	// OpConnected is sent to both parties of a CONNECT. Payload: Connected.
	OpConnected Opcode = 0x04

	// OpRelay asks the server to relay traffic to another host. Payload: Target.
	OpRelay Opcode = 0x05

	// OpRelayed confirms an established relay pairing. Payload: Relayed.
	OpRelayed Opcode = 0x06

	// OpData carries opaque bytes between relay peers.
	OpData Opcode = 0x07

	// OpPing and OpPong are keep-alive frames. No payload.
	OpPing Opcode = 0x08
	OpPong Opcode = 0x09

	// OpError reports a failure to the client. Payload: Error.
	OpError Opcode = 0x0A

	// OpAddress reports the client's own local endpoint. Payload: Address.
	OpAddress Opcode = 0x0B

	// OpUnregister releases the identity and closes the session. No payload.
	OpUnregister Opcode = 0x0C
)

var opcodeNames = map[Opcode]string{
	OpRegister:   "REGISTER",
	OpRegistered: "REGISTERED",
	OpConnect:    "CONNECT",
	OpConnected:  "CONNECTED",
	OpRelay:      "RELAY",
	OpRelayed:    "RELAYED",
	OpData:       "DATA",
	OpPing:       "PING",
	OpPong:       "PONG",
	OpError:      "ERROR",
	OpAddress:    "ADDRESS",
	OpUnregister: "UNREGISTER",
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(op))
}

// ErrorCode is the numeric code carried in an ERROR frame.
type ErrorCode uint16

// Error codes
const (
	CodeProtocolError        ErrorCode = 1
	CodeFrameTooLarge        ErrorCode = 2
	CodeNotRegistered        ErrorCode = 3
	CodeRegistrationConflict ErrorCode = 4
	CodeUnknownTarget        ErrorCode = 5
	CodeRelayTimeout         ErrorCode = 6
	CodeInvalidTarget        ErrorCode = 7
	CodeTargetBusy           ErrorCode = 8
	CodeRateLimited          ErrorCode = 9
	CodeRelayDisabled        ErrorCode = 10
)

var codeNames = map[ErrorCode]string{
	CodeProtocolError:        "ProtocolError",
	CodeFrameTooLarge:        "FrameTooLarge",
	CodeNotRegistered:        "NotRegistered",
	CodeRegistrationConflict: "RegistrationConflict",
	CodeUnknownTarget:        "UnknownTarget",
	CodeRelayTimeout:         "RelayTimeout",
	CodeInvalidTarget:        "InvalidTarget",
	CodeTargetBusy:           "TargetBusy",
	CodeRateLimited:          "RateLimited",
	CodeRelayDisabled:        "RelayDisabled",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}
