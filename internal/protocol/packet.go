package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing for the command/control channel. Every packet starts with a
// fixed little-endian header followed by the payload:
//
//	offset 0  uint32  magic
//	offset 4  uint8   protocol version
//	offset 5  uint8   command
//	offset 6  uint32  sequence
//	offset 10 uint32  payload length
const (
	HeaderSize = 14

	// Magic marks the start of every packet ("DMUX" little-endian).
	Magic = uint32(0x58554D44)

	// Version is bumped on any incompatible change to the framing or to
	// the command numbering. Decoders reject versions they do not know.
	Version = 1

	// MaxPayloadSize bounds the memory a single inbound packet can claim.
	// A peer declaring more than this is corrupt or hostile.
	MaxPayloadSize = 4096
)

// Command codes. Fixed small integers shared with the device-side
// counterpart; never renumber without a Version bump.
const (
	CmdPing        = uint8(0x01)
	CmdTap         = uint8(0x02)
	CmdBack        = uint8(0x03)
	CmdKey         = uint8(0x04)
	CmdConfig      = uint8(0x05)
	CmdClickByID   = uint8(0x06)
	CmdClickByText = uint8(0x07)
	CmdSwipe       = uint8(0x08)
	CmdVideoFPS    = uint8(0x09)
	CmdVideoRoute  = uint8(0x0A)
	CmdVideoIDR    = uint8(0x0B)
	CmdDeviceInfo  = uint8(0x0C)
	CmdAudioFrame  = uint8(0x0D)
	CmdAck         = uint8(0x0E)
)

// KnownCommand reports whether cmd is part of the closed command set.
func KnownCommand(cmd uint8) bool {
	return cmd >= CmdPing && cmd <= CmdAck
}

// Packet is a decoded wire packet. Transient; never stored.
type Packet struct {
	Version  uint8
	Command  uint8
	Sequence uint32
	Payload  []byte
}

// ParseError reports why an inbound buffer was rejected. Parse failures are
// routine with an untrusted peer and are handled by dropping the packet.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "protocol: " + e.Reason
}

func parseErrorf(format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Encode builds a wire packet. Payloads above MaxPayloadSize are a caller
// bug, not a runtime condition, and are rejected.
func Encode(cmd uint8, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("protocol: payload %d exceeds %d byte cap", len(payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = cmd
	binary.LittleEndian.PutUint32(buf[6:10], seq)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses one packet from buf. buf must contain the full header and
// the declared payload. The returned payload aliases buf.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, parseErrorf("short buffer: %d bytes, need %d", len(buf), HeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, parseErrorf("bad magic 0x%08x", magic)
	}
	if v := buf[4]; v != Version {
		return nil, parseErrorf("unsupported version %d", v)
	}

	size := binary.LittleEndian.Uint32(buf[10:14])
	if size > MaxPayloadSize {
		return nil, parseErrorf("declared payload %d exceeds %d byte cap", size, MaxPayloadSize)
	}
	if uint32(len(buf)-HeaderSize) < size {
		return nil, parseErrorf("truncated payload: have %d, need %d", len(buf)-HeaderSize, size)
	}

	return &Packet{
		Version:  buf[4],
		Command:  buf[5],
		Sequence: binary.LittleEndian.Uint32(buf[6:10]),
		Payload:  buf[HeaderSize : HeaderSize+size],
	}, nil
}

// Size returns the full wire size of the packet p was decoded from.
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// ReadPacket reads exactly one packet from a stream transport. Used for the
// TCP length-framed video/control variant; USB bulk reads decode whole
// buffers with Decode instead.
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != Magic {
		return nil, parseErrorf("bad magic 0x%08x", magic)
	}
	if v := header[4]; v != Version {
		return nil, parseErrorf("unsupported version %d", v)
	}
	size := binary.LittleEndian.Uint32(header[10:14])
	if size > MaxPayloadSize {
		return nil, parseErrorf("declared payload %d exceeds %d byte cap", size, MaxPayloadSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Packet{
		Version:  header[4],
		Command:  header[5],
		Sequence: binary.LittleEndian.Uint32(header[6:10]),
		Payload:  payload,
	}, nil
}
