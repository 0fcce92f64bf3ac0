package ymodem

import (
	"time"
)

// packet is one on-wire YMODEM-1K data/header/end block: a type byte
// (SOH=128-byte body, STX=1024-byte body), a sequence byte and its
// one's complement, the body itself, and a trailing CRC16 over the
// body — per spec.md §3/§6.
type packet struct {
	typ  byte
	seq  byte
	data []byte
	// fill is the byte used to pad data up to the block size. Data
	// and header packets pad with padByte (0x1A); the end-of-batch
	// packet pads with 0x00 ("all-zero data", per spec.md §6).
	fill byte
}

func dataLenFor(typ byte) int {
	if typ == ctlSTX {
		return longDataLen
	}
	return shortDataLen
}

// encode serialises the packet to its full wire form, padding data to
// the block size with p.fill if short.
func (p packet) encode() []byte {
	n := dataLenFor(p.typ)
	body := make([]byte, n)
	copy(body, p.data)
	for i := len(p.data); i < n; i++ {
		body[i] = p.fill
	}

	out := make([]byte, 0, 3+n+2)
	out = append(out, p.typ, p.seq, 0xFF-p.seq)
	out = append(out, body...)
	crc := crc16(body)
	out = append(out, byte(crc>>8), byte(crc))
	return out
}

// readPacket implements spec.md §4.3's packet-read routine: it reads
// bytes until a recognised start byte (SOH/STX/EOT), silently
// discarding anything out of sync, then reads the fixed-length body
// for that type and validates it. On EOT it returns immediately with
// typ set and no data. timeout bounds each individual byte read.
func readPacket(tr Transport, timeout time.Duration) (packet, error) {
	var typ byte
	for {
		b, err := readByte(tr, timeout)
		if err != nil {
			return packet{}, err
		}
		switch b {
		case ctlSOH, ctlSTX, ctlEOT, ctlCAN:
			typ = b
		default:
			continue // out-of-sync byte, discard and keep scanning.
		}
		break
	}
	if typ == ctlEOT || typ == ctlCAN {
		return packet{typ: typ}, nil
	}

	n := dataLenFor(typ)
	rest := make([]byte, 2+n+2) // seq, ~seq, body, crc16
	for i := range rest {
		b, err := readByte(tr, timeout)
		if err != nil {
			return packet{}, err
		}
		rest[i] = b
	}

	seq := rest[0]
	compl := rest[1]
	body := rest[2 : 2+n]
	wantCRC := uint16(rest[2+n])<<8 | uint16(rest[2+n+1])

	if compl != 0xFF-seq {
		return packet{}, ErrBadSeqComplement
	}
	if crc16(body) != wantCRC {
		return packet{}, ErrBadCRC
	}
	return packet{typ: typ, seq: seq, data: body}, nil
}
