package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 13, 14, 100, 4095, 4096} {
		payload := bytes.Repeat([]byte{0xAB}, size)

		buf, err := Encode(CmdTap, 42, payload)
		require.NoError(t, err, "payload size %d", size)
		require.Len(t, buf, HeaderSize+size)

		pkt, err := Decode(buf)
		require.NoError(t, err, "payload size %d", size)
		assert.Equal(t, CmdTap, pkt.Command)
		assert.Equal(t, uint32(42), pkt.Sequence)
		assert.Equal(t, payload, append([]byte{}, pkt.Payload...))
		assert.Equal(t, len(buf), pkt.Size())
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(CmdConfig, 1, make([]byte, MaxPayloadSize+1))
	assert.Error(t, err)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	for _, size := range []int{0, 1, HeaderSize - 1} {
		_, err := Decode(make([]byte, size))
		var perr *ParseError
		require.ErrorAs(t, err, &perr, "buffer size %d", size)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf, err := Encode(CmdPing, 1, nil)
	require.NoError(t, err)
	buf[0] ^= 0xFF

	_, err = Decode(buf)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	buf, err := Encode(CmdPing, 1, nil)
	require.NoError(t, err)
	buf[4] = Version + 1

	_, err = Decode(buf)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeRejectsOversizedDeclaredPayload(t *testing.T) {
	buf, err := Encode(CmdPing, 1, nil)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(buf[10:14], MaxPayloadSize+1)

	_, err = Decode(buf)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	buf, err := Encode(CmdConfig, 7, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-2])
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestReadPacketStream(t *testing.T) {
	one, err := Encode(CmdKey, 1, KeyPayload(24))
	require.NoError(t, err)
	two, err := Encode(CmdAck, 2, nil)
	require.NoError(t, err)

	r := bytes.NewReader(append(one, two...))

	pkt, err := ReadPacket(r)
	require.NoError(t, err)
	assert.Equal(t, CmdKey, pkt.Command)

	pkt, err = ReadPacket(r)
	require.NoError(t, err)
	assert.Equal(t, CmdAck, pkt.Command)
	assert.Empty(t, pkt.Payload)
}

func TestPayloadHelpers(t *testing.T) {
	tap := TapPayload(100, 200)
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(tap[0:4]))
	assert.Equal(t, uint32(200), binary.LittleEndian.Uint32(tap[4:8]))

	swipe := SwipePayload(0, 0, 720, 1280, 300)
	assert.Len(t, swipe, 20)
	assert.Equal(t, uint32(300), binary.LittleEndian.Uint32(swipe[16:20]))

	seq, ok := AckPayload([]byte{0x2A, 0, 0, 0})
	assert.True(t, ok)
	assert.Equal(t, uint32(42), seq)

	_, ok = AckPayload([]byte{1, 2})
	assert.False(t, ok)
}
