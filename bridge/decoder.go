package bridge

import (
	"encoding/binary"
	"log"
)

// decoderState tracks progress through a single frame's reassembly.
// Grounded on npiPhyReader's framePos/payloadLen byte-at-a-time state
// machine in npi_phy.go, generalized from NPI's fixed-offset triggers
// to the bridging frame's 11-byte header + variable payload.
type decoderState int

const (
	stateWaitSOF decoderState = iota
	stateHeader
	statePayload
)

// decoder is the byte-stream frame reassembler described in spec.md
// §4.1. It is fed raw bytes — possibly from an interrupt/IRQ context,
// per §5 — and emits complete, CRC-valid frames. It holds no resources
// beyond its header buffer and the payload buffer of the frame being
// reassembled; that payload buffer is allocated afresh for every frame
// that carries a payload.
type decoder struct {
	state   decoderState
	hdr     [headerLen]byte
	hdrPos  int
	payload []byte
	payPos  int
	crcBuf  [2]byte
	crcPos  int
}

func newDecoder() *decoder {
	return &decoder{state: stateWaitSOF}
}

func (d *decoder) reset() {
	d.state = stateWaitSOF
	d.hdrPos = 0
	d.payload = nil
	d.payPos = 0
	d.crcPos = 0
}

// feed consumes buf byte by byte, appending any fully decoded, CRC-valid
// frames to out. Bad header/payload CRCs silently drop the frame and
// resynchronise to stateWaitSOF, per spec.md §7's "protocol errors
// inside the bridging decoder are silent (resync)". After a bad header
// CRC the bytes following the rejected SOF are scanned again for a
// start byte.
func (d *decoder) feed(buf []byte, out []Frame) []Frame {
	for _, b := range buf {
		switch d.state {
		case stateWaitSOF:
			if b == startOfFrame {
				d.hdr[0] = b
				d.hdrPos = 1
				d.state = stateHeader
			}
		case stateHeader:
			d.hdr[d.hdrPos] = b
			d.hdrPos++
			if d.hdrPos < headerLen {
				continue
			}
			// Full header collected; validate header CRC before trusting
			// the length field for anything, including allocation size.
			gotCRC := binary.LittleEndian.Uint16(d.hdr[9:11])
			wantCRC := crc16(d.hdr[0:9])
			if gotCRC != wantCRC {
				log.Printf("bridge: header CRC mismatch, resyncing")
				// The SOF may have been a stray byte: rescan the rest of
				// the collected header so a real frame starting inside it
				// is not lost.
				rest := append([]byte(nil), d.hdr[1:]...)
				d.reset()
				out = d.feed(rest, out)
				continue
			}
			payLen := binary.LittleEndian.Uint16(d.hdr[3:5])
			// Clamp against MaxPayloadSize *before* allocating, per
			// spec.md §9's size-clamp note: a corrupted len must not
			// drive a large allocation.
			if payLen > MaxPayloadSize {
				log.Printf("bridge: payload length %d exceeds MaxPayloadSize, resyncing", payLen)
				d.reset()
				continue
			}
			if payLen == 0 {
				out = append(out, d.emit(nil))
				d.reset()
				continue
			}
			d.payload = make([]byte, payLen)
			d.payPos = 0
			d.crcPos = 0
			d.state = statePayload
		case statePayload:
			if d.payPos < len(d.payload) {
				d.payload[d.payPos] = b
				d.payPos++
				continue
			}
			d.crcBuf[d.crcPos] = b
			d.crcPos++
			if d.crcPos < 2 {
				continue
			}
			gotCRC := binary.LittleEndian.Uint16(d.crcBuf[:])
			wantCRC := crc16(d.payload)
			if gotCRC != wantCRC {
				log.Printf("bridge: payload CRC mismatch, resyncing")
				d.reset()
				continue
			}
			out = append(out, d.emit(d.payload))
			d.reset()
		}
	}
	return out
}

func (d *decoder) emit(payload []byte) Frame {
	return Frame{
		ID:      binary.LittleEndian.Uint16(d.hdr[1:3]),
		Type:    FrameType(binary.LittleEndian.Uint16(d.hdr[5:7])),
		Cmd:     Command(binary.LittleEndian.Uint16(d.hdr[7:9])),
		Payload: payload,
	}
}
