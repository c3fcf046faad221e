package codec

// CRC16 computes the CRC-16/CCITT (poly 0x1021, init 0xFFFF) of data. This is
// the checksum carried in every bus frame header.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		x := uint8(crc>>8) ^ b
		x ^= x >> 4
		crc = (crc << 8) ^ uint16(x)<<12 ^ uint16(x)<<5 ^ uint16(x)
	}
	return crc
}
