// Package codec encodes and decodes everything that crosses the bus: frames,
// control packets, radio and message-bus payloads, and the byte-stream
// envelope used on serial links.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the frame header (crc 2 + size 1 + address 1).
	HeaderSize = 4
	// MaxFrameSize is the largest frame the bus carries.
	MaxFrameSize = 32
	// MaxPayloadSize is the largest data section a frame can carry.
	MaxPayloadSize = MaxFrameSize - HeaderSize
	// ControlAddress is reserved for control packets and broadcast traffic.
	ControlAddress uint8 = 0
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrSizeMismatch     = errors.New("frame size does not match length")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidMagic     = errors.New("invalid magic")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// Frame is the unit of transmission on the bus.
//
// Wire format (little-endian):
//
//	[crc u16][size u8][address u8][data: size bytes]
//
// The CRC covers everything after itself.
type Frame struct {
	CRC     uint16
	Address uint8
	Data    []byte
}

// NewFrame builds a frame for address carrying a copy of data, with its CRC
// already computed.
func NewFrame(address uint8, data []byte) (*Frame, error) {
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), MaxPayloadSize)
	}
	f := &Frame{Address: address, Data: append([]byte(nil), data...)}
	f.CRC = f.ComputeCRC()
	return f, nil
}

// Size returns the length of the data section.
func (f *Frame) Size() int {
	return len(f.Data)
}

// EncodedSize returns the number of bytes Encode produces.
func (f *Frame) EncodedSize() int {
	return HeaderSize + len(f.Data)
}

// ComputeCRC returns the checksum of the frame as it would appear on the wire.
func (f *Frame) ComputeCRC() uint16 {
	buf := make([]byte, 2+len(f.Data))
	buf[0] = uint8(len(f.Data))
	buf[1] = f.Address
	copy(buf[2:], f.Data)
	return CRC16(buf)
}

// Validate checks the size bound and the stored checksum.
func (f *Frame) Validate() error {
	if len(f.Data) > MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Data), MaxPayloadSize)
	}
	if want := f.ComputeCRC(); f.CRC != want {
		return fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, want, f.CRC)
	}
	return nil
}

// Encode serializes the frame, recomputing the CRC.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Data), MaxPayloadSize)
	}
	f.CRC = f.ComputeCRC()

	buf := make([]byte, f.EncodedSize())
	binary.LittleEndian.PutUint16(buf[0:2], f.CRC)
	buf[2] = uint8(len(f.Data))
	buf[3] = f.Address
	copy(buf[HeaderSize:], f.Data)
	return buf, nil
}

// DecodeFrame parses and validates a frame. The input must contain exactly
// one frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrFrameTooShort
	}
	size := int(data[2])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, MaxPayloadSize)
	}
	if len(data) != HeaderSize+size {
		return nil, fmt.Errorf("%w: size %d, length %d", ErrSizeMismatch, size, len(data)-HeaderSize)
	}

	f := &Frame{
		CRC:     binary.LittleEndian.Uint16(data[0:2]),
		Address: data[3],
		Data:    make([]byte, size),
	}
	copy(f.Data, data[HeaderSize:])

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// ID identifies a frame for duplicate suppression: the address in the upper
// half, the CRC in the lower.
func (f *Frame) ID() uint32 {
	return uint32(f.Address)<<16 | uint32(f.CRC)
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	return &Frame{CRC: f.CRC, Address: f.Address, Data: append([]byte(nil), f.Data...)}
}
