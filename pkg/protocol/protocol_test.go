package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	hdr := NewCallHeader(7, SerialOrigin, 100, 0x3)
	payload := []byte("some args, not a multiple of four")

	framed, err := EncodeMessage(hdr, payload)
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(framed[:4])
	assert.Equal(t, uint32(len(framed)-FrameHeaderSize), length)
	assert.Equal(t, HeaderSize+len(payload), int(length))

	gotHdr, gotPayload, err := DecodeMessage(framed[4:])
	require.NoError(t, err)
	assert.Equal(t, hdr, gotHdr)
	assert.Equal(t, payload, gotPayload)
}

func TestMessageHeaderFieldOffsets(t *testing.T) {
	hdr := MessageHeader{
		Prog:           Program,
		Vers:           ProtocolVersion,
		Proc:           0x11223344,
		Direction:      DirectionReply,
		Serial:         0x00123401,
		Status:         StatusError,
		ProgressHint:   0x0102030405060708,
		OptargsBitmask: 0x1,
	}
	framed, err := EncodeMessage(hdr, nil)
	require.NoError(t, err)
	body := framed[4:]

	// Fixed big-endian layout, byte for byte.
	assert.Equal(t, uint32(Program), binary.BigEndian.Uint32(body[0:]))
	assert.Equal(t, uint32(ProtocolVersion), binary.BigEndian.Uint32(body[4:]))
	assert.Equal(t, uint32(0x11223344), binary.BigEndian.Uint32(body[8:]))
	assert.Equal(t, uint32(DirectionReply), binary.BigEndian.Uint32(body[12:]))
	assert.Equal(t, uint32(0x00123401), binary.BigEndian.Uint32(body[16:]))
	assert.Equal(t, uint32(StatusError), binary.BigEndian.Uint32(body[20:]))
	assert.Equal(t, uint64(0x0102030405060708), binary.BigEndian.Uint64(body[24:]))
	assert.Equal(t, uint64(1), binary.BigEndian.Uint64(body[32:]))
	assert.Len(t, body, HeaderSize)
}

func TestMessageErrorRoundTrip(t *testing.T) {
	me := MessageError{Errno: "ENOENT", Message: "no such file or directory"}
	payload := EncodeMessageError(me)
	got, err := DecodeMessageError(payload)
	require.NoError(t, err)
	assert.Equal(t, me, got)

	// Non-aligned string lengths must be padded to 4 bytes.
	assert.Zero(t, len(payload)%4)
}

func TestProgressRoundTrip(t *testing.T) {
	p := Progress{Proc: 66, Serial: 0x00123405, Position: 1 << 33, Total: 1 << 40}
	body := EncodeProgress(p)
	assert.Len(t, body, ProgressMessageSize)

	got, err := DecodeProgress(body)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestChunkRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		chunk Chunk
	}{
		{"data", Chunk{Data: []byte("hello, seven")}},
		{"end of transfer", Chunk{}},
		{"cancel", Chunk{Cancel: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed, err := EncodeChunk(tt.chunk)
			require.NoError(t, err)

			length := binary.BigEndian.Uint32(framed[:4])
			got, err := DecodeChunk(framed[4 : 4+length])
			require.NoError(t, err)
			assert.Equal(t, tt.chunk.Cancel, got.Cancel)
			if len(tt.chunk.Data) == 0 {
				assert.Empty(t, got.Data)
			} else {
				assert.Equal(t, tt.chunk.Data, got.Data)
			}
		})
	}
}

func TestChunkTooLarge(t *testing.T) {
	_, err := EncodeChunk(Chunk{Data: make([]byte, MaxChunkSize+1)})
	assert.ErrorIs(t, err, ErrOversized)
}

func TestControlFlagsDoNotCollideWithLengths(t *testing.T) {
	for _, flag := range []uint32{LaunchFlag, CancelFlag, ProgressFlag} {
		assert.True(t, IsControlFlag(flag))
		assert.Greater(t, flag, uint32(MaxMessageSize),
			"flag 0x%x must never be a valid message length", flag)
	}
	assert.False(t, IsControlFlag(MaxMessageSize))
	assert.False(t, IsControlFlag(0))
}

func TestOversizedMessageRejected(t *testing.T) {
	_, err := EncodeMessage(NewCallHeader(1, SerialOrigin, 0, 0), make([]byte, MaxMessageSize))
	assert.ErrorIs(t, err, ErrOversized)
}

func TestTruncatedDecode(t *testing.T) {
	_, _, err := DecodeMessage([]byte{0x20, 0x00})
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeChunk([]byte{0, 0, 0, 0, 0, 0, 0, 9})
	assert.ErrorIs(t, err, ErrTruncated)
}
