package codec

import (
	"encoding/binary"
	"fmt"
)

// ControlPacketSize is the encoded size of a ControlPacket.
const ControlPacketSize = 12

// Control packet types.
const (
	ControlTypeHello uint8 = 0x01
)

// Control packet flags.
const (
	ControlFlagBroadcast uint16 = 0x0001
	ControlFlagPaired    uint16 = 0x0002
	ControlFlagUncertain uint16 = 0x0004
	ControlFlagConflict  uint16 = 0x0008
)

// ControlPacket is the payload of every frame sent to ControlAddress. Drivers
// use it to claim an address and advertise their class.
//
// Wire format (little-endian):
//
//	[type u8][address u8][flags u16][device_class u32][serial_number u32]
type ControlPacket struct {
	Type         uint8
	Address      uint8
	Flags        uint16
	DeviceClass  uint32
	SerialNumber uint32
}

// Has reports whether all bits of flag are set.
func (cp *ControlPacket) Has(flag uint16) bool {
	return cp.Flags&flag == flag
}

// Encode serializes the control packet.
func (cp *ControlPacket) Encode() []byte {
	buf := make([]byte, ControlPacketSize)
	buf[0] = cp.Type
	buf[1] = cp.Address
	binary.LittleEndian.PutUint16(buf[2:4], cp.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], cp.DeviceClass)
	binary.LittleEndian.PutUint32(buf[8:12], cp.SerialNumber)
	return buf
}

// DecodeControlPacket parses a control packet. Trailing bytes are ignored.
func DecodeControlPacket(data []byte) (*ControlPacket, error) {
	if len(data) < ControlPacketSize {
		return nil, fmt.Errorf("%w: control packet needs %d bytes, got %d",
			ErrFrameTooShort, ControlPacketSize, len(data))
	}
	return &ControlPacket{
		Type:         data[0],
		Address:      data[1],
		Flags:        binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:  binary.LittleEndian.Uint32(data[4:8]),
		SerialNumber: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// Frame wraps the control packet in a frame addressed to ControlAddress.
func (cp *ControlPacket) Frame() *Frame {
	f, _ := NewFrame(ControlAddress, cp.Encode())
	return f
}
