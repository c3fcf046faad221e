package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	// EnvelopeMagic starts every envelope on a serial byte stream.
	EnvelopeMagic uint16 = 0xC03E
	// EnvelopeHeaderSize is magic 2 + length 2.
	EnvelopeHeaderSize = 4
	// EnvelopeChecksumSize is the trailing Fletcher-16.
	EnvelopeChecksumSize = 2
	// MinEnvelopeSize is an envelope with an empty body.
	MinEnvelopeSize = EnvelopeHeaderSize + EnvelopeChecksumSize
	// MaxEnvelopeSize is an envelope carrying a maximum-size frame.
	MaxEnvelopeSize = MinEnvelopeSize + MaxFrameSize
)

// EncodeEnvelope wraps an encoded frame for transmission on a byte stream.
//
//	[0xC03E BE][length BE u16][frame][fletcher16 BE]
func EncodeEnvelope(frame []byte) ([]byte, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(frame), MaxFrameSize)
	}
	buf := make([]byte, MinEnvelopeSize+len(frame))
	binary.BigEndian.PutUint16(buf[0:2], EnvelopeMagic)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(frame)))
	copy(buf[EnvelopeHeaderSize:], frame)
	binary.BigEndian.PutUint16(buf[EnvelopeHeaderSize+len(frame):], Fletcher16(frame))
	return buf, nil
}

// DecodeEnvelope extracts the first envelope from a byte stream. It returns
// the enclosed frame bytes and whatever follows the envelope. On
// ErrIncompleteFrame the caller should wait for more data; any other error
// means the stream must be resynchronised on the next magic.
func DecodeEnvelope(data []byte) (frame, rest []byte, err error) {
	if len(data) < MinEnvelopeSize {
		return nil, data, ErrIncompleteFrame
	}
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != EnvelopeMagic {
		return nil, data, fmt.Errorf("%w: %04x", ErrInvalidMagic, magic)
	}
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > MaxFrameSize {
		return nil, data, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, MaxFrameSize)
	}
	total := MinEnvelopeSize + n
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	body := data[EnvelopeHeaderSize : EnvelopeHeaderSize+n]
	got := binary.BigEndian.Uint16(data[EnvelopeHeaderSize+n : total])
	if want := Fletcher16(body); got != want {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, want, got)
	}
	return append([]byte(nil), body...), data[total:], nil
}

// FindEnvelopeMagic returns the index of the first envelope magic in data,
// or -1.
func FindEnvelopeMagic(data []byte) int {
	hi, lo := byte(EnvelopeMagic>>8), byte(EnvelopeMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}
