package bluetooth

import (
	"sync"

	"go.uber.org/zap"
)

// dispatcher runs application callbacks one at a time, in posting order
type dispatcher struct {
	pending *fifo
	stop    chan struct{}
	once    sync.Once
	log     *zap.Logger
}

func newDispatcher(log *zap.Logger) *dispatcher {
	d := &dispatcher{
		pending: newFIFO(),
		stop:    make(chan struct{}),
		log:     log,
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	if fn == nil {
		return
	}
	d.pending.push(fn)
}

func (d *dispatcher) run() {
	for {
		item, ok := d.pending.pop()
		if !ok {
			select {
			case <-d.stop:
				return
			case <-d.pending.wake:
			}
			continue
		}
		d.invoke(item.(func()))
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in listener callback", zap.Any("panic", r))
		}
	}()
	fn()
}

// close stops the dispatcher once everything already queued has run
func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
}
