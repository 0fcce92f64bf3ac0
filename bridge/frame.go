package bridge

import "encoding/binary"

// Wire constants per spec.md §3/§6. Pinned against
// _examples/original_source/.../ms_bridging.h: MS_BR_FRAME_BUF_NUM (4),
// MS_BR_BUF_MAX_SIZE (512), the 0xBD start-of-frame byte, and the
// packed 11-byte header layout.
const (
	startOfFrame = 0xBD

	headerLen = 11 // sof(1) + id(2) + len(2) + type(2) + cmd(2) + crc(2)

	// MaxFrameSize bounds the total encoded frame (header + payload +
	// payload CRC), mirroring MS_BR_BUF_MAX_SIZE in the source firmware.
	MaxFrameSize = 512
	// MaxPayloadSize is the largest payload a frame may carry; the
	// decoder clamps the wire length field against this *before*
	// allocating a reassembly buffer (spec.md §9's size-clamp note).
	MaxPayloadSize = MaxFrameSize - headerLen - 2

	// N_FRAME_SLOTS is the fixed capacity of each mailbox.
	N_FRAME_SLOTS = 4
)

// FrameType is one of the four bridging frame kinds (spec.md §3).
type FrameType uint16

const (
	FrameRequest FrameType = iota
	FrameResponse
	FrameEvent
	FrameEventAck
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "REQUEST"
	case FrameResponse:
		return "RESPONSE"
	case FrameEvent:
		return "EVENT"
	case FrameEventAck:
		return "EVENT_ACK"
	default:
		return "UNKNOWN"
	}
}

// Command identifies a well-known bridging operation (spec.md §6).
type Command uint16

const (
	CmdKeepAlive Command = iota
	CmdGetTime
	CmdSetTime
	CmdPowerControl
	CmdPowerStatus
	CmdWakeFlag
	CmdKeyValue
	CmdPIRValue
	CmdClearFlag
	CmdResetPeer
	CmdPIRConfig
	CmdUSBVinValue
	CmdGetVersion
)

// Frame is a single decoded or to-be-encoded bridging frame.
type Frame struct {
	ID      uint16
	Type    FrameType
	Cmd     Command
	Payload []byte
}

// encode serializes f into its wire representation, computing both
// CRCs. Mirrors NpiControl.Serialize in npi_protocol.go, generalized
// from an 8-bit XOR checksum to the spec's CRC16-CCITT over a fixed
// 11-byte header.
func (f *Frame) encode() []byte {
	total := headerLen
	if len(f.Payload) > 0 {
		total += len(f.Payload) + 2
	}
	buf := make([]byte, total)
	buf[0] = startOfFrame
	binary.LittleEndian.PutUint16(buf[1:3], f.ID)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[5:7], uint16(f.Type))
	binary.LittleEndian.PutUint16(buf[7:9], uint16(f.Cmd))
	headerCRC := crc16(buf[0:9])
	binary.LittleEndian.PutUint16(buf[9:11], headerCRC)
	if len(f.Payload) > 0 {
		copy(buf[headerLen:], f.Payload)
		payloadCRC := crc16(f.Payload)
		binary.LittleEndian.PutUint16(buf[headerLen+len(f.Payload):], payloadCRC)
	}
	return buf
}
