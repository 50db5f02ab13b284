// Package wire implements the binary control protocol exchanged between the
// authoritative clock server and its followers. Every message is a one byte
// tag followed by a fixed payload; all multi-byte integers are little-endian.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tag identifies the type of a message on the wire.
type Tag uint8

const (
	// TagRoundTripPing is sent by a follower to probe the round-trip time.
	TagRoundTripPing Tag = 0
	// TagRoundTripPong answers a ping.
	TagRoundTripPong Tag = 1
	// TagSync carries a sequence number and the authoritative position.
	TagSync Tag = 2
	// TagSpeed carries the playback speed.
	TagSpeed Tag = 3
	// TagPause carries the pause flag.
	TagPause Tag = 4
	// TagChangeItem selects the active media item.
	TagChangeItem Tag = 5
	// TagCustomCommand carries an application defined command name.
	TagCustomCommand Tag = 6
	// TagCustomCommandWithData carries a command name and an opaque payload.
	TagCustomCommandWithData Tag = 7
)

// String returns a string representation of the tag.
func (t Tag) String() string {
	switch t {
	case TagRoundTripPing:
		return "RoundTripPing"
	case TagRoundTripPong:
		return "RoundTripPong"
	case TagSync:
		return "Sync"
	case TagSpeed:
		return "Speed"
	case TagPause:
		return "Pause"
	case TagChangeItem:
		return "ChangeItem"
	case TagCustomCommand:
		return "CustomCommand"
	case TagCustomCommandWithData:
		return "CustomCommandWithData"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// MaxNameLength is the longest command name that fits the u8 length prefix.
const MaxNameLength = math.MaxUint8

// Message is one of the protocol messages defined in this package.
type Message interface {
	// Tag returns the wire tag of the message.
	Tag() Tag
}

// RoundTripPing probes the round-trip time to the server.
type RoundTripPing struct{}

// RoundTripPong answers a RoundTripPing.
type RoundTripPong struct{}

// Sync is the periodic position tick broadcast by the server.
type Sync struct {
	Sequence uint64
	Position float64
}

// Speed announces a playback speed change.
type Speed struct {
	Value float64
}

// Pause announces a pause state change.
type Pause struct {
	Paused bool
}

// ChangeItem switches the active media item.
type ChangeItem struct {
	Index int32
}

// CustomCommand is an application defined command.
type CustomCommand struct {
	Name string
}

// CustomCommandWithData is an application defined command with a payload.
type CustomCommandWithData struct {
	Name string
	// Payload decodes as an empty, non-nil slice when no bytes were sent.
	Payload []byte
}

func (RoundTripPing) Tag() Tag         { return TagRoundTripPing }
func (RoundTripPong) Tag() Tag         { return TagRoundTripPong }
func (Sync) Tag() Tag                  { return TagSync }
func (Speed) Tag() Tag                 { return TagSpeed }
func (Pause) Tag() Tag                 { return TagPause }
func (ChangeItem) Tag() Tag            { return TagChangeItem }
func (CustomCommand) Tag() Tag         { return TagCustomCommand }
func (CustomCommandWithData) Tag() Tag { return TagCustomCommandWithData }

// Reliable reports whether msg must travel on the reliable-ordered channel.
// Sync and the RTT probes are superseded by the next tick and go unreliable.
func Reliable(msg Message) bool {
	switch msg.Tag() {
	case TagRoundTripPing, TagRoundTripPong, TagSync:
		return false
	default:
		return true
	}
}

// EncodedSize returns the number of bytes Encode produces for msg.
func EncodedSize(msg Message) int {
	switch m := msg.(type) {
	case RoundTripPing, RoundTripPong:
		return 1
	case Sync:
		return 1 + 8 + 8
	case Speed:
		return 1 + 8
	case Pause:
		return 1 + 1
	case ChangeItem:
		return 1 + 4
	case CustomCommand:
		return 1 + 1 + len(m.Name)
	case CustomCommandWithData:
		return 1 + 1 + len(m.Name) + 4 + len(m.Payload)
	default:
		return 0
	}
}

// Encode serializes msg into a freshly allocated buffer of exactly
// EncodedSize(msg) bytes.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	buf := make([]byte, 0, EncodedSize(msg))
	buf = append(buf, byte(msg.Tag()))

	switch m := msg.(type) {
	case RoundTripPing, RoundTripPong:
	case Sync:
		buf = binary.LittleEndian.AppendUint64(buf, m.Sequence)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.Position))
	case Speed:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.Value))
	case Pause:
		if m.Paused {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case ChangeItem:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Index))
	case CustomCommand:
		if err := validateName(m.Name); err != nil {
			return nil, err
		}
		buf = append(buf, byte(len(m.Name)))
		buf = append(buf, m.Name...)
	case CustomCommandWithData:
		if err := validateName(m.Name); err != nil {
			return nil, err
		}
		if len(m.Payload) > math.MaxInt32 {
			return nil, fmt.Errorf("%w: payload of %d bytes", ErrPayloadTooLarge, len(m.Payload))
		}
		buf = append(buf, byte(len(m.Name)))
		buf = append(buf, m.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
		buf = append(buf, m.Payload...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}

	return buf, nil
}

func validateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] > 0x7f {
			return fmt.Errorf("%w: byte 0x%02x at offset %d", ErrNonASCIIName, name[i], i)
		}
	}
	return nil
}

// Decode parses a single message from data. Bytes following a complete
// message are ignored. The returned message never aliases data.
func Decode(data []byte) (Message, error) {
	r := reader{buf: data}
	rawTag, err := r.u8()
	if err != nil {
		return nil, err
	}
	tag := Tag(rawTag)
	r.tag = tag

	switch tag {
	case TagRoundTripPing:
		return RoundTripPing{}, nil
	case TagRoundTripPong:
		return RoundTripPong{}, nil
	case TagSync:
		seq, err := r.u64()
		if err != nil {
			return nil, err
		}
		pos, err := r.f64()
		if err != nil {
			return nil, err
		}
		return Sync{Sequence: seq, Position: pos}, nil
	case TagSpeed:
		v, err := r.f64()
		if err != nil {
			return nil, err
		}
		return Speed{Value: v}, nil
	case TagPause:
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		return Pause{Paused: b != 0}, nil
	case TagChangeItem:
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		return ChangeItem{Index: int32(v)}, nil
	case TagCustomCommand:
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		return CustomCommand{Name: name}, nil
	case TagCustomCommandWithData:
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		rawLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		n := int32(rawLen)
		if n < 0 {
			return nil, &CodecError{Kind: InvalidLength, Tag: tag, Need: int(n)}
		}
		payload, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return CustomCommandWithData{Name: name, Payload: payload}, nil
	default:
		return nil, &CodecError{Kind: UnknownTag, Tag: tag}
	}
}

// reader is a bounds-checked cursor over an inbound datagram.
type reader struct {
	buf []byte
	off int
	tag Tag
}

func (r *reader) take(n int) ([]byte, error) {
	if n > len(r.buf)-r.off {
		return nil, &CodecError{Kind: Truncated, Tag: r.tag, Need: n, Have: len(r.buf) - r.off}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) f64() (float64, error) {
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *reader) name() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	// Never nil, so a decoded CustomCommandWithData always carries a payload.
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}
