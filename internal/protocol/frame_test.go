package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameStream(t *testing.T, packets ...Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range packets {
		frame, err := EncodeFrame(p)
		require.NoError(t, err)
		buf.Write(frame)
	}
	return buf.Bytes()
}

func TestEncodeFrameLengthPrefix(t *testing.T) {
	p := ChatMessage{RoomID: 1, Text: "hi"}
	frame, err := EncodeFrame(p)
	require.NoError(t, err)

	body, err := Encode(p)
	require.NoError(t, err)

	assert.Equal(t, uint32(len(body)), binary.LittleEndian.Uint32(frame[:4]))
	assert.Equal(t, body, frame[4:])
}

func TestReadWritePacket(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, Goodbye{}))
	require.NoError(t, WritePacket(&buf, SoundStop{Channel: 3}))

	p, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, Goodbye{}, p)

	p, err = ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, SoundStop{Channel: 3}, p)

	_, err = ReadPacket(&buf)
	assert.Error(t, err)
}

func TestReassemblerEdgeCases(t *testing.T) {
	frame := frameStream(t, ChatOOC{PlayerID: 1, Msg: "hello"})

	t.Run("empty input", func(t *testing.T) {
		r := NewReassembler(0)
		out, err := r.Feed(nil)
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.Equal(t, 0, r.Buffered())
	})

	t.Run("partial length prefix", func(t *testing.T) {
		r := NewReassembler(0)
		out, err := r.Feed(frame[:3])
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.Equal(t, 3, r.Buffered())
	})

	t.Run("partial body", func(t *testing.T) {
		r := NewReassembler(0)
		out, err := r.Feed(frame[:len(frame)-1])
		require.NoError(t, err)
		assert.Empty(t, out)

		out, err = r.Feed(frame[len(frame)-1:])
		require.NoError(t, err)
		assert.Equal(t, []Packet{ChatOOC{PlayerID: 1, Msg: "hello"}}, out)
		assert.Equal(t, 0, r.Buffered())
	})
}

func TestReassemblerDrainsConcatenatedFrames(t *testing.T) {
	first := JoinResponse{ResultCode: JoinSuccess, Msg: "welcome"}
	second := RoomListResponse{Rooms: []Room{{ID: 1, Name: "a"}}}

	r := NewReassembler(0)
	out, err := r.Feed(frameStream(t, first, second))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, first, out[0])
	assert.Equal(t, second, out[1])
	assert.Equal(t, 0, r.Buffered())
}

func TestReassemblerChunkSplitInvariance(t *testing.T) {
	packets := samplePackets()
	stream := frameStream(t, packets...)

	whole, err := NewReassembler(0).Feed(stream)
	require.NoError(t, err)
	require.Equal(t, packets, whole)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		r := NewReassembler(0)
		var got []Packet
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			if trial%5 == 0 {
				n = 1 // byte at a time
			}
			out, err := r.Feed(rest[:n])
			require.NoError(t, err)
			got = append(got, out...)
			rest = rest[n:]
		}
		assert.Equal(t, whole, got, "trial %d", trial)
	}
}

func TestReassemblerMalformedFramePoisons(t *testing.T) {
	good := frameStream(t, PlayerLeft{PlayerID: 1})

	bad := []byte{0x93, 0x01, 0x02, 0x03} // msgpack array, not a map
	badFrame := make([]byte, 4+len(bad))
	binary.LittleEndian.PutUint32(badFrame, uint32(len(bad)))
	copy(badFrame[4:], bad)

	stream := append(append(append([]byte{}, good...), badFrame...), good...)

	r := NewReassembler(0)
	out, err := r.Feed(stream)
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.Equal(t, []Packet{PlayerLeft{PlayerID: 1}}, out)

	out, err2 := r.Feed(good)
	assert.Empty(t, out)
	assert.Equal(t, err, err2)
	assert.Equal(t, err, r.Err())
}

func TestReassemblerRejectsOversizedFrame(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 1024)

	r := NewReassembler(512)
	_, err := r.Feed(header)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}
