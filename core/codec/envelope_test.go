package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	f, _ := NewFrame(5, []byte{1, 2, 3})
	raw, _ := f.Encode()

	env, err := EncodeEnvelope(raw)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error = %v", err)
	}
	if env[0] != 0xC0 || env[1] != 0x3E {
		t.Errorf("magic = %x", env[:2])
	}

	tail := []byte{0xC0}
	body, rest, err := DecodeEnvelope(append(env, tail...))
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if !bytes.Equal(body, raw) {
		t.Errorf("body = %x, want %x", body, raw)
	}
	if !bytes.Equal(rest, tail) {
		t.Errorf("rest = %x, want %x", rest, tail)
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	env, _ := EncodeEnvelope([]byte{1, 2, 3, 4, 5})
	corrupt := append([]byte(nil), env...)
	corrupt[5] ^= 0x01

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", env[:3], ErrIncompleteFrame},
		{"partial body", env[:len(env)-1], ErrIncompleteFrame},
		{"bad magic", []byte{0, 0, 0, 0, 0, 0}, ErrInvalidMagic},
		{"oversize", []byte{0xC0, 0x3E, 0x01, 0x00, 0, 0}, ErrPayloadTooLarge},
		{"bad checksum", corrupt, ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeEnvelope(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("DecodeEnvelope() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeEnvelopeTooLarge(t *testing.T) {
	if _, err := EncodeEnvelope(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestFindEnvelopeMagic(t *testing.T) {
	if got := FindEnvelopeMagic([]byte{0x00, 0xC0, 0x00, 0xC0, 0x3E}); got != 3 {
		t.Errorf("FindEnvelopeMagic() = %d, want 3", got)
	}
	if got := FindEnvelopeMagic([]byte{0xC0}); got != -1 {
		t.Errorf("FindEnvelopeMagic() = %d, want -1", got)
	}
}
