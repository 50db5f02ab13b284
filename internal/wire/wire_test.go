package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	messages := []Message{
		RoundTripPing{},
		RoundTripPong{},
		Sync{Sequence: 0, Position: 0},
		Sync{Sequence: math.MaxUint64, Position: -12.625},
		Speed{Value: 1},
		Speed{Value: -2.5},
		Pause{Paused: true},
		Pause{Paused: false},
		ChangeItem{Index: 3},
		ChangeItem{Index: -1},
		CustomCommand{Name: ""},
		CustomCommand{Name: "CustomCommand A"},
		CustomCommandWithData{Name: "fid", Payload: []byte{0xde, 0xad, 0xbe, 0xef}},
		CustomCommandWithData{Name: "empty", Payload: []byte{}},
	}

	for _, msg := range messages {
		t.Run(msg.Tag().String(), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err, "Encode failed")
			assert.Len(t, data, EncodedSize(msg), "Encoded size mismatch")

			decoded, err := Decode(data)
			require.NoError(t, err, "Decode failed")
			assert.Equal(t, msg, decoded, "Round trip mismatch")
		})
	}
}

func TestNilPayloadDecodesEmpty(t *testing.T) {
	data, err := Encode(CustomCommandWithData{Name: "empty", Payload: nil})
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	payload := decoded.(CustomCommandWithData).Payload
	assert.NotNil(t, payload)
	assert.Empty(t, payload)
}

func TestEncodeLayout(t *testing.T) {
	data, err := Encode(Sync{Sequence: 0x0102030405060708, Position: 1.5})
	require.NoError(t, err)
	require.Len(t, data, 17)
	assert.Equal(t, byte(TagSync), data[0])
	assert.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(data[1:9]))
	assert.Equal(t, 1.5, math.Float64frombits(binary.LittleEndian.Uint64(data[9:17])))

	data, err = Encode(CustomCommandWithData{Name: "ab", Payload: []byte{9}})
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(TagCustomCommandWithData), 2, 'a', 'b', 1, 0, 0, 0, 9}, data)

	data, err = Encode(ChangeItem{Index: -2})
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(TagChangeItem), 0xfe, 0xff, 0xff, 0xff}, data)
}

func TestDecodeTruncated(t *testing.T) {
	full, err := Encode(CustomCommandWithData{Name: "cmd", Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	for n := 0; n < len(full); n++ {
		_, err := Decode(full[:n])
		require.Error(t, err, "prefix of %d bytes should fail", n)
		assert.ErrorIs(t, err, ErrTruncated)

		var codecErr *CodecError
		require.True(t, errors.As(err, &codecErr))
		assert.Equal(t, Truncated, codecErr.Kind)
	}

	sync, err := Encode(Sync{Sequence: 1, Position: 2})
	require.NoError(t, err)
	_, err = Decode(sync[:10])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeLengthFieldBeyondBuffer(t *testing.T) {
	// Claims a 4 GiB-ish payload but carries none.
	data := []byte{byte(TagCustomCommandWithData), 1, 'x', 0xff, 0xff, 0xff, 0x7f}
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrTruncated)

	// Name length larger than the remaining bytes.
	_, err = Decode([]byte{byte(TagCustomCommand), 200, 'a'})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeNegativeLength(t *testing.T) {
	data := []byte{byte(TagCustomCommandWithData), 0, 0xff, 0xff, 0xff, 0xff}
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{42, 1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTag)
	assert.Contains(t, err.Error(), "42")
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	data, err := Encode(CustomCommandWithData{Name: "n", Payload: []byte{1, 2}})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	data[len(data)-1] = 99

	assert.Equal(t, []byte{1, 2}, msg.(CustomCommandWithData).Payload)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	data, err := Encode(Pause{Paused: true})
	require.NoError(t, err)
	msg, err := Decode(append(data, 0xaa, 0xbb))
	require.NoError(t, err)
	assert.Equal(t, Pause{Paused: true}, msg)
}

func TestEncodeRejectsBadNames(t *testing.T) {
	_, err := Encode(CustomCommand{Name: strings.Repeat("x", MaxNameLength+1)})
	assert.ErrorIs(t, err, ErrNameTooLong)

	_, err = Encode(CustomCommandWithData{Name: "café"})
	assert.ErrorIs(t, err, ErrNonASCIIName)

	_, err = Encode(CustomCommand{Name: strings.Repeat("x", MaxNameLength)})
	assert.NoError(t, err)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrNilMessage)
}

func TestReliable(t *testing.T) {
	assert.False(t, Reliable(Sync{}))
	assert.False(t, Reliable(RoundTripPing{}))
	assert.False(t, Reliable(RoundTripPong{}))
	assert.True(t, Reliable(Speed{}))
	assert.True(t, Reliable(Pause{}))
	assert.True(t, Reliable(ChangeItem{}))
	assert.True(t, Reliable(CustomCommand{}))
	assert.True(t, Reliable(CustomCommandWithData{}))
}
