package codec

import (
	"errors"
	"testing"
)

func TestControlPacketRoundTrip(t *testing.T) {
	cp := &ControlPacket{
		Type:         ControlTypeHello,
		Address:      0xC4,
		Flags:        ControlFlagUncertain | ControlFlagPaired,
		DeviceClass:  0x01020304,
		SerialNumber: 0xDEADBEEF,
	}
	raw := cp.Encode()
	if len(raw) != ControlPacketSize {
		t.Fatalf("encoded length = %d, want %d", len(raw), ControlPacketSize)
	}
	if raw[0] != ControlTypeHello || raw[1] != 0xC4 {
		t.Errorf("header bytes = %x", raw[:2])
	}
	if raw[8] != 0xEF || raw[11] != 0xDE {
		t.Errorf("serial not little-endian: %x", raw[8:12])
	}

	got, err := DecodeControlPacket(raw)
	if err != nil {
		t.Fatalf("DecodeControlPacket() error = %v", err)
	}
	if *got != *cp {
		t.Errorf("round trip = %+v, want %+v", *got, *cp)
	}
}

func TestControlPacketThroughFrame(t *testing.T) {
	cp := &ControlPacket{Type: ControlTypeHello, Address: 17, DeviceClass: 3, SerialNumber: 100}
	f := cp.Frame()
	if f.Address != ControlAddress {
		t.Errorf("frame address = %d, want %d", f.Address, ControlAddress)
	}
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	got, err := DecodeControlPacket(decoded.Data)
	if err != nil {
		t.Fatalf("DecodeControlPacket() error = %v", err)
	}
	if *got != *cp {
		t.Errorf("got %+v, want %+v", *got, *cp)
	}
}

func TestControlPacketHas(t *testing.T) {
	cp := &ControlPacket{Flags: ControlFlagUncertain}
	if !cp.Has(ControlFlagUncertain) {
		t.Error("Has(Uncertain) = false")
	}
	if cp.Has(ControlFlagConflict) {
		t.Error("Has(Conflict) = true")
	}
	if cp.Has(ControlFlagUncertain | ControlFlagConflict) {
		t.Error("Has requires every bit")
	}
}

func TestDecodeControlPacketShort(t *testing.T) {
	if _, err := DecodeControlPacket(make([]byte, ControlPacketSize-1)); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("error = %v, want ErrFrameTooShort", err)
	}
}
