package codec

import "testing"

func TestFletcher16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"empty", []byte{}, 0x0000},
		{"single zero", []byte{0x00}, 0x0000},
		{"single one", []byte{0x01}, 0x0101},
		{"abcde", []byte("abcde"), 0xC8F0},
		{"abcdef", []byte("abcdef"), 0x2057},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fletcher16(tt.data); got != tt.want {
				t.Errorf("Fletcher16(%q) = %04x, want %04x", tt.data, got, tt.want)
			}
		})
	}
}

func TestFletcher16NoOverflow(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = 0xFF
	}
	// 0xFF is congruent to 0 mod 255, so both sums stay at zero.
	if got := Fletcher16(data); got != 0 {
		t.Errorf("Fletcher16(0xFF x1024) = %04x, want 0000", got)
	}
}
