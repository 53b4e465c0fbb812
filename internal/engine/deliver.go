package engine

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// deliveryQueue runs work in FIFO order on one goroutine, so the loop never
// blocks on caller code.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	depth  atomic.Int32
	logger zerolog.Logger
}

func newDeliveryQueue(logger zerolog.Logger) *deliveryQueue {
	q := &deliveryQueue{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

func (q *deliveryQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting work; queued items still run.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range items {
			q.invoke(fn)
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// delivering reports whether the queue goroutine is inside a work item.
func (q *deliveryQueue) delivering() bool {
	return q.depth.Load() > 0
}

func (q *deliveryQueue) invoke(fn func()) {
	q.depth.Add(1)
	defer func() {
		q.depth.Add(-1)
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("engine.delivery handler panicked")
		}
	}()
	fn()
}
