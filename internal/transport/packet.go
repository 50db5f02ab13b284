package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
Datagram format (little-endian):

	magic  u32
	kind   u8
	connID u32
	body...

kindReliable and kindAck bodies start with a u32 sequence number.
*/

// protocolMagic must be at the start of every datagram ("LFOS").
const protocolMagic uint32 = 0x534f464c

const headerSize = 4 + 1 + 4

type packetKind uint8

const (
	kindConnect packetKind = iota + 1
	kindAccept
	kindDisconnect
	kindPing
	kindUnreliable
	kindReliable
	kindAck
)

// String returns a string representation of the packet kind.
func (k packetKind) String() string {
	switch k {
	case kindConnect:
		return "Connect"
	case kindAccept:
		return "Accept"
	case kindDisconnect:
		return "Disconnect"
	case kindPing:
		return "Ping"
	case kindUnreliable:
		return "Unreliable"
	case kindReliable:
		return "Reliable"
	case kindAck:
		return "Ack"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var (
	errShortPacket = errors.New("short packet")
	errBadMagic    = errors.New("bad protocol magic")
	errBadKind     = errors.New("unknown packet kind")
)

// packet is a parsed datagram. payload aliases the read buffer.
type packet struct {
	kind    packetKind
	connID  uint32
	seq     uint32
	payload []byte
}

func appendHeader(buf []byte, kind packetKind, connID uint32) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, protocolMagic)
	buf = append(buf, byte(kind))
	return binary.LittleEndian.AppendUint32(buf, connID)
}

func encodeControl(kind packetKind, connID uint32) []byte {
	return appendHeader(make([]byte, 0, headerSize), kind, connID)
}

func encodeUnreliable(connID uint32, payload []byte) []byte {
	buf := appendHeader(make([]byte, 0, headerSize+len(payload)), kindUnreliable, connID)
	return append(buf, payload...)
}

func encodeReliable(connID, seq uint32, payload []byte) []byte {
	buf := appendHeader(make([]byte, 0, headerSize+4+len(payload)), kindReliable, connID)
	buf = binary.LittleEndian.AppendUint32(buf, seq)
	return append(buf, payload...)
}

func encodeAck(connID, seq uint32) []byte {
	buf := appendHeader(make([]byte, 0, headerSize+4), kindAck, connID)
	return binary.LittleEndian.AppendUint32(buf, seq)
}

func decodePacket(data []byte) (packet, error) {
	if len(data) < headerSize {
		return packet{}, fmt.Errorf("%w: %d bytes", errShortPacket, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != protocolMagic {
		return packet{}, fmt.Errorf("%w: 0x%08x", errBadMagic, magic)
	}
	p := packet{
		kind:   packetKind(data[4]),
		connID: binary.LittleEndian.Uint32(data[5:9]),
	}
	body := data[headerSize:]

	switch p.kind {
	case kindConnect, kindAccept, kindDisconnect, kindPing:
	case kindUnreliable:
		p.payload = body
	case kindReliable, kindAck:
		if len(body) < 4 {
			return packet{}, fmt.Errorf("%w: %s without sequence", errShortPacket, p.kind)
		}
		p.seq = binary.LittleEndian.Uint32(body[0:4])
		if p.kind == kindReliable {
			p.payload = body[4:]
		}
	default:
		return packet{}, fmt.Errorf("%w: %d", errBadKind, uint8(p.kind))
	}
	return p, nil
}

// seqLess reports whether a precedes b in serial-number order.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
