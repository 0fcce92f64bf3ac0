package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{ID: 42, Type: FrameRequest, Cmd: CmdGetTime, Payload: []byte("hello")}
	wire := f.encode()

	d := newDecoder()
	var out []Frame
	out = d.feed(wire, out)
	require.Len(t, out, 1)
	assert.Equal(t, f.ID, out[0].ID)
	assert.Equal(t, f.Type, out[0].Type)
	assert.Equal(t, f.Cmd, out[0].Cmd)
	assert.Equal(t, f.Payload, out[0].Payload)
}

func TestFrameEncodeDecodeEmptyPayload(t *testing.T) {
	f := &Frame{ID: 7, Type: FrameResponse, Cmd: CmdKeepAlive}
	wire := f.encode()
	require.Len(t, wire, headerLen)

	d := newDecoder()
	var out []Frame
	out = d.feed(wire, out)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Payload)
}

func TestDecoderDropsCorruptFrame(t *testing.T) {
	f := &Frame{ID: 1, Type: FrameRequest, Cmd: CmdGetTime, Payload: []byte("0123456789")}
	wire := f.encode()
	// Flip a payload byte; header CRC stays valid, payload CRC now fails.
	wire[headerLen] ^= 0xFF

	d := newDecoder()
	var out []Frame
	out = d.feed(wire, out)
	assert.Empty(t, out, "corrupt frame must be dropped, not emitted")

	// The decoder must resynchronise: a subsequent good frame is found.
	good := (&Frame{ID: 2, Type: FrameRequest, Cmd: CmdGetTime}).encode()
	out = d.feed(good, out)
	require.Len(t, out, 1)
	assert.EqualValues(t, 2, out[0].ID)
}

func TestDecoderResyncsAfterGarbagePrefix(t *testing.T) {
	f := &Frame{ID: 9, Type: FrameEvent, Cmd: CmdPIRValue}
	wire := append([]byte{0x00, 0x11, 0x22, startOfFrame}, f.encode()...)

	d := newDecoder()
	var out []Frame
	out = d.feed(wire, out)
	require.Len(t, out, 1)
	assert.EqualValues(t, 9, out[0].ID)
}

func TestDecoderClampsOversizeLength(t *testing.T) {
	f := &Frame{ID: 1, Type: FrameRequest, Cmd: CmdGetTime}
	wire := f.encode()
	// Corrupt the length field to claim a payload far beyond MaxPayloadSize,
	// then fix up the header CRC so the corruption is only detectable by
	// the clamp, not the header CRC.
	wire[3] = 0xFF
	wire[4] = 0xFF
	headerCRC := crc16(wire[0:9])
	wire[9] = byte(headerCRC)
	wire[10] = byte(headerCRC >> 8)

	d := newDecoder()
	var out []Frame
	out = d.feed(wire, out)
	assert.Empty(t, out)
	assert.Equal(t, stateWaitSOF, d.state)
}

func TestFeedByteAtATime(t *testing.T) {
	f := &Frame{ID: 3, Type: FrameRequest, Cmd: CmdGetVersion, Payload: []byte{1, 2, 3}}
	wire := f.encode()

	d := newDecoder()
	var out []Frame
	for _, b := range wire {
		out = d.feed([]byte{b}, out)
	}
	require.Len(t, out, 1)
	assert.Equal(t, f.Payload, out[0].Payload)
}
