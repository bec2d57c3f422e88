package bluetooth

import (
	"sync"

	"github.com/eapache/queue"
)

// fifo is an unbounded queue with a wake-up channel for a single consumer
type fifo struct {
	mu   sync.Mutex
	q    *queue.Queue
	wake chan struct{}
}

func newFIFO() *fifo {
	return &fifo{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
	}
}

// push appends items atomically so they stay contiguous
func (f *fifo) push(items ...interface{}) {
	f.mu.Lock()
	for _, item := range items {
		f.q.Add(item)
	}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fifo) pop() (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.q.Length() == 0 {
		return nil, false
	}
	return f.q.Remove(), true
}

// drain discards everything queued and returns how many items were dropped
func (f *fifo) drain() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.q.Length()
	for f.q.Length() > 0 {
		f.q.Remove()
	}
	return n
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q.Length()
}
