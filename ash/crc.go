package ash

import (
	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Crc16 calculates the frame check sequence over an unstuffed frame body
func Crc16(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

// Pseudo random sequence XORed onto DATA payloads
const (
	lfsrSeed byte = 0x42
	lfsrPoly byte = 0xB8
)

// mask XORs b with the ASH pseudo random sequence. Applying it twice restores the input.
func mask(b []byte) []byte {
	out := make([]byte, len(b))
	r := lfsrSeed
	for i, c := range b {
		out[i] = c ^ r
		if r&0x01 == 0 {
			r >>= 1
		} else {
			r = (r >> 1) ^ lfsrPoly
		}
	}
	return out
}
