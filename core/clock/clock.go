// Package clock supplies the time and randomness the bus protocol consumes:
// a periodic tick source, a random source for address selection, and a
// millisecond clock for event timestamps. Each has a deterministic
// replacement for tests.
package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Ticker delivers periodic ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTicker returns a Ticker backed by time.Ticker.
func NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// ManualTicker is a Ticker driven by explicit Tick calls.
type ManualTicker struct {
	ch   chan time.Time
	once sync.Once
	done chan struct{}
}

// NewManualTicker creates a ticker that only fires when Tick is called.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time), done: make(chan struct{})}
}

// Tick delivers one tick, blocking until the consumer receives it. It
// returns false once the ticker has been stopped.
func (m *ManualTicker) Tick() bool {
	select {
	case m.ch <- time.Now():
		return true
	case <-m.done:
		return false
	}
}

func (m *ManualTicker) C() <-chan time.Time { return m.ch }

func (m *ManualTicker) Stop() {
	m.once.Do(func() { close(m.done) })
}

// Random picks uniformly distributed integers in [0, n).
type Random interface {
	IntN(n int) int
}

// NewRandom returns a Random using the runtime's auto-seeded generator.
func NewRandom() Random {
	return globalRandom{}
}

// NewSeededRandom returns a reproducible Random. Two sources with the same
// seed produce the same sequence.
func NewSeededRandom(seed uint64) Random {
	return &lockedRandom{r: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
}

type globalRandom struct{}

func (globalRandom) IntN(n int) int { return rand.IntN(n) }

type lockedRandom struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRandom) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// Clock reports milliseconds elapsed since it was created, wrapping at 2^32.
type Clock struct {
	start time.Time
	nowFn func() time.Time // overridable for testing
}

// New creates a Clock starting at zero now.
func New() *Clock {
	return &Clock{start: time.Now(), nowFn: time.Now}
}

// Millis returns the elapsed milliseconds.
func (c *Clock) Millis() uint32 {
	return uint32(c.nowFn().Sub(c.start).Milliseconds())
}
