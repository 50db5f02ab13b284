package wire

import (
	"errors"
	"fmt"
)

// Common errors returned by the wire package.
var (
	ErrTruncated          = errors.New("truncated message")
	ErrUnknownTag         = errors.New("unknown message tag")
	ErrInvalidLength      = errors.New("invalid length field")
	ErrNilMessage         = errors.New("nil message")
	ErrUnsupportedMessage = errors.New("unsupported message type")
	ErrNameTooLong        = errors.New("command name too long")
	ErrNonASCIIName       = errors.New("command name is not ASCII")
	ErrPayloadTooLarge    = errors.New("payload too large")
)

// CodecErrorKind classifies a decode failure.
type CodecErrorKind int

const (
	// Truncated means the datagram ended before the message was complete.
	Truncated CodecErrorKind = iota
	// UnknownTag means the leading tag byte is not a known message.
	UnknownTag
	// InvalidLength means a length field holds an impossible value.
	InvalidLength
)

// String returns a string representation of the kind.
func (k CodecErrorKind) String() string {
	switch k {
	case Truncated:
		return "Truncated"
	case UnknownTag:
		return "UnknownTag"
	case InvalidLength:
		return "InvalidLength"
	default:
		return "Unknown"
	}
}

// CodecError describes why a datagram could not be decoded.
type CodecError struct {
	Kind CodecErrorKind
	Tag  Tag
	// Need and Have are byte counts for Truncated; Need holds the offending
	// value for InvalidLength.
	Need int
	Have int
}

func (e *CodecError) Error() string {
	switch e.Kind {
	case Truncated:
		return fmt.Sprintf("decode %s: truncated: need %d bytes, have %d", e.Tag, e.Need, e.Have)
	case UnknownTag:
		return fmt.Sprintf("decode: unknown tag %d", uint8(e.Tag))
	case InvalidLength:
		return fmt.Sprintf("decode %s: invalid length %d", e.Tag, e.Need)
	default:
		return "decode: " + e.Kind.String()
	}
}

// Is lets errors.Is match a CodecError against the package sentinels.
func (e *CodecError) Is(target error) bool {
	switch e.Kind {
	case Truncated:
		return target == ErrTruncated
	case UnknownTag:
		return target == ErrUnknownTag
	case InvalidLength:
		return target == ErrInvalidLength
	}
	return false
}
