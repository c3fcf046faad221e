package clock

import (
	"testing"
	"time"
)

func TestMillis(t *testing.T) {
	base := time.Unix(1000, 0)
	now := base
	c := &Clock{start: base, nowFn: func() time.Time { return now }}

	if got := c.Millis(); got != 0 {
		t.Errorf("Millis() = %d, want 0", got)
	}
	now = base.Add(1500 * time.Millisecond)
	if got := c.Millis(); got != 1500 {
		t.Errorf("Millis() = %d, want 1500", got)
	}
}

func TestSeededRandomReproducible(t *testing.T) {
	a := NewSeededRandom(42)
	b := NewSeededRandom(42)
	for i := range 32 {
		x, y := a.IntN(255), b.IntN(255)
		if x != y {
			t.Fatalf("draw %d differs: %d != %d", i, x, y)
		}
		if x < 0 || x >= 255 {
			t.Fatalf("draw %d out of range: %d", i, x)
		}
	}
}

func TestNewRandomRange(t *testing.T) {
	r := NewRandom()
	for range 100 {
		if v := r.IntN(3); v < 0 || v >= 3 {
			t.Fatalf("IntN(3) = %d", v)
		}
	}
}

func TestManualTicker(t *testing.T) {
	m := NewManualTicker()
	got := make(chan struct{})
	go func() {
		<-m.C()
		close(got)
	}()
	if !m.Tick() {
		t.Fatal("Tick() = false on a running ticker")
	}
	<-got

	m.Stop()
	m.Stop()
	if m.Tick() {
		t.Error("Tick() = true after Stop")
	}
}

func TestRealTicker(t *testing.T) {
	tk := NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("no tick within a second")
	}
}
