package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueDepth is the number of frames a Queue holds before dropping.
const DefaultQueueDepth = 32

// ErrQueueFull is returned by Queue.SendFrame when the writer is behind.
var ErrQueueFull = errors.New("send queue full")

// QueueCounters tracks queued writes.
type QueueCounters struct {
	Sent    atomic.Uint32 // Frames written to the transport
	Dropped atomic.Uint32 // Frames refused because the queue was full
	Failed  atomic.Uint32 // Frames the transport rejected
}

// Queue wraps a Transport so SendFrame never waits on the medium. Frames go
// onto a bounded channel and a writer goroutine, running between Start and
// Stop, hands them to the wrapped transport in order.
type Queue struct {
	Transport

	log      *slog.Logger
	frames   chan []byte
	counters QueueCounters

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue wraps t. A depth of zero or less uses DefaultQueueDepth.
func NewQueue(t Transport, depth int, logger *slog.Logger) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		Transport: t,
		log:       logger.WithGroup("queue"),
		frames:    make(chan []byte, depth),
	}
}

// Start starts the wrapped transport and the writer.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.Transport.Start(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel == nil {
		wctx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		q.done = make(chan struct{})
		go q.writeLoop(wctx, q.done)
	}
	return nil
}

// Stop stops the writer, waiting for a write in progress, then stops the
// wrapped transport. Frames still queued are kept for the next Start.
func (q *Queue) Stop() error {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return q.Transport.Stop()
}

// SendFrame queues a copy of data. It fails with ErrNotConnected when the
// wrapped transport is down and ErrQueueFull when the queue is full.
func (q *Queue) SendFrame(data []byte) error {
	if !q.Transport.IsConnected() {
		return ErrNotConnected
	}
	select {
	case q.frames <- append([]byte(nil), data...):
		return nil
	default:
		q.counters.Dropped.Add(1)
		return ErrQueueFull
	}
}

// Pending returns the number of frames waiting for the writer.
func (q *Queue) Pending() int {
	return len(q.frames)
}

// Counters returns the queue's statistics.
func (q *Queue) Counters() *QueueCounters {
	return &q.counters
}

func (q *Queue) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-q.frames:
			if err := q.Transport.SendFrame(data); err != nil {
				q.counters.Failed.Add(1)
				q.log.Warn("queued write failed", "error", err)
				continue
			}
			q.counters.Sent.Add(1)
		}
	}
}
