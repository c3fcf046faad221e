package codec

import "encoding/binary"

// EventSize is the encoded size of an Event.
const EventSize = 8

// Event is a message-bus notification mirrored onto the wire.
//
// Wire format (little-endian):
//
//	[source u16][value u16][timestamp u32]
type Event struct {
	Source    uint16
	Value     uint16
	Timestamp uint32
}

// Encode serializes the event.
func (e *Event) Encode() []byte {
	buf := make([]byte, EventSize)
	binary.LittleEndian.PutUint16(buf[0:2], e.Source)
	binary.LittleEndian.PutUint16(buf[2:4], e.Value)
	binary.LittleEndian.PutUint32(buf[4:8], e.Timestamp)
	return buf
}

// DecodeEvent parses an event payload.
func DecodeEvent(data []byte) (*Event, error) {
	if len(data) < EventSize {
		return nil, ErrFrameTooShort
	}
	return &Event{
		Source:    binary.LittleEndian.Uint16(data[0:2]),
		Value:     binary.LittleEndian.Uint16(data[2:4]),
		Timestamp: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}
