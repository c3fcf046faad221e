package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	// RadioMagic tags every radio packet so foreign traffic on a shared
	// medium can be told apart.
	RadioMagic uint16 = 0x4145
	// RadioHeaderSize is app_id 1 + id 1 + magic 2.
	RadioHeaderSize = 4
	// MaxRadioPayload is the largest data section a radio packet can carry
	// while still fitting in one frame.
	MaxRadioPayload = MaxPayloadSize - RadioHeaderSize
)

// RadioPacket is the payload exchanged between radio clients and the radio
// host.
//
// Wire format (little-endian):
//
//	[app_id u8][id u8][magic u16][data]
type RadioPacket struct {
	AppID uint8
	ID    uint8
	Data  []byte
}

// Encode serializes the radio packet.
func (p *RadioPacket) Encode() ([]byte, error) {
	if len(p.Data) > MaxRadioPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Data), MaxRadioPayload)
	}
	buf := make([]byte, RadioHeaderSize+len(p.Data))
	buf[0] = p.AppID
	buf[1] = p.ID
	binary.LittleEndian.PutUint16(buf[2:4], RadioMagic)
	copy(buf[RadioHeaderSize:], p.Data)
	return buf, nil
}

// DecodeRadioPacket parses a radio packet, rejecting anything without the
// radio magic.
func DecodeRadioPacket(data []byte) (*RadioPacket, error) {
	if len(data) < RadioHeaderSize {
		return nil, ErrFrameTooShort
	}
	if magic := binary.LittleEndian.Uint16(data[2:4]); magic != RadioMagic {
		return nil, fmt.Errorf("%w: %04x", ErrInvalidMagic, magic)
	}
	p := &RadioPacket{
		AppID: data[0],
		ID:    data[1],
		Data:  make([]byte, len(data)-RadioHeaderSize),
	}
	copy(p.Data, data[RadioHeaderSize:])
	return p, nil
}

// Key identifies a radio packet for duplicate suppression.
func (p *RadioPacket) Key() uint32 {
	return uint32(p.AppID)<<8 | uint32(p.ID)
}
