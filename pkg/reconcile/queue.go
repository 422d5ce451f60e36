package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("event queue full")

// maxPooledBuffer caps buffers returned to the pool so a single huge frame
// does not pin memory.
var maxPooledBuffer = 256 * 1024

// SetMaxPooledBuffer adjusts the pooled-buffer cap. Intended for startup
// configuration only.
func SetMaxPooledBuffer(n int) {
	if n > 0 {
		maxPooledBuffer = n
	}
}

// Item wraps a raw event frame. The payload may be backed by a pooled
// buffer; consumers must call Done exactly once after processing.
type Item struct {
	Payload []byte

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases pooled resources back to the pool.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		it.Payload = nil
		itemPool.Put(it)
	})
}

var itemPool = sync.Pool{New: func() any { return &Item{} }}

// Queue is a bounded in-memory queue of raw push-channel frames. Producers
// are the subscription pumps; the single consumer is the conversation's
// reconcile worker, which preserves arrival order by construction.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns the consumer channel. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

// TryEnqueue copies the frame into a pooled buffer and enqueues it without
// blocking. A full queue returns ErrQueueFull and the frame is dropped.
func (q *Queue) TryEnqueue(frame []byte) error {
	it := newItem(frame)
	select {
	case q.ch <- it:
		return nil
	default:
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Enqueue blocks until space is available or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, frame []byte) error {
	it := newItem(frame)
	select {
	case q.ch <- it:
		return nil
	case <-ctx.Done():
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		return ctx.Err()
	}
}

// RunWorker consumes items serially, invoking handler for each frame. Done
// is guaranteed even when the handler returns an error. The worker exits
// when stop is closed or the queue is closed.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func([]byte) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Payload)
			}(it)
		case <-stop:
			return
		}
	}
}

// CloseAndDrain closes the queue and releases any remaining items.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

func (q *Queue) Len() int         { return len(q.ch) }
func (q *Queue) Cap() int         { return q.capacity }
func (q *Queue) Dropped() uint64  { return atomic.LoadUint64(&q.dropped) }

func newItem(frame []byte) *Item {
	it := itemPool.Get().(*Item)
	var bb *bytebufferpool.ByteBuffer
	if len(frame) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], frame...)
		it.Payload = bb.B[:len(frame)]
	} else {
		it.Payload = nil
	}
	it.buf = bb
	it.once = sync.Once{}
	return it
}
