package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Queue runs submitted functions one at a time on its own goroutine, in
// submission order. Submit never blocks, so a slow consumer cannot stall
// the producer.
type Queue struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

// NewQueue creates a queue and starts its worker goroutine.
func NewQueue(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit appends fn to the queue. It returns false once the queue is closed.
func (q *Queue) Submit(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// Close stops accepting work. Items already queued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

// Done is closed after Close once every queued item has run.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of items waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.call(fn)
	}
}

func (q *Queue) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("queue", q.name).
				Interface("panic", r).
				Msg("queued handler panicked")
		}
	}()
	fn()
}
