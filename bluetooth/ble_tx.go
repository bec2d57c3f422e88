package bluetooth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outbox accepts physical writes for one connection. Writes passed in a single
// call are transmitted back to back, in order.
type Outbox interface {
	Enqueue(writes ...[]byte)
}

// frameWriter is the single writer of one connection
type frameWriter struct {
	transport Transport
	pending   *fifo
	limiter   *RateLimiter
	timeout   time.Duration
	onError   func(error)
	log       *zap.Logger
}

func newFrameWriter(t Transport, limiter *RateLimiter, timeout time.Duration, onError func(error), log *zap.Logger) *frameWriter {
	if limiter == nil {
		limiter = NewRateLimiter(nil)
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &frameWriter{
		transport: t,
		pending:   newFIFO(),
		limiter:   limiter,
		timeout:   timeout,
		onError:   onError,
		log:       log,
	}
}

func (w *frameWriter) Enqueue(writes ...[]byte) {
	if len(writes) == 0 {
		return
	}
	items := make([]interface{}, len(writes))
	for i, p := range writes {
		items[i] = p
	}
	w.pending.push(items...)
}

// run drains the queue until ctx is done or a write fails
func (w *frameWriter) run(ctx context.Context) {
	for {
		item, ok := w.pending.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.pending.wake:
			}
			continue
		}

		if err := w.write(ctx, item.([]byte)); err != nil {
			if ctx.Err() != nil {
				return
			}
			dropped := w.pending.drain()
			w.log.Warn("write failed, dropping queued writes",
				zap.Error(err), zap.Int("dropped", dropped))
			if w.onError != nil {
				w.onError(err)
			}
			return
		}
	}
}

func (w *frameWriter) write(ctx context.Context, p []byte) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.transport.Write(writeCtx, p); err != nil {
		return fmt.Errorf("write %d bytes: %w", len(p), err)
	}
	w.log.Debug("wrote", zap.Int("bytes", len(p)))
	return nil
}
