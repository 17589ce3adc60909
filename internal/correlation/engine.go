// Package correlation matches response packets to the requests waiting
// for them. Responses carry no request identifier, so matching is by
// response kind and arrival order: each response fulfills the oldest
// outstanding request expecting that kind.
package correlation

import (
	"errors"

	"github.com/chatroom-project/chatroom/internal/protocol"
)

// errAlreadyCompleted guards single fulfillment of a Pending.
var errAlreadyCompleted = errors.New("pending operation already completed")

// Result is delivered exactly once to a Pending operation.
type Result struct {
	Packet protocol.Packet
	Err    error
}

// Pending is one in-flight request awaiting a response of a specific kind.
// Callers may only read from it; the Engine fulfills or fails it.
type Pending struct {
	expect protocol.Kind
	seq    uint64
	ch     chan Result
	done   bool
}

// Expect returns the response kind this operation waits for.
func (p *Pending) Expect() protocol.Kind {
	return p.expect
}

// Seq returns the registration order of this operation.
func (p *Pending) Seq() uint64 {
	return p.seq
}

// Done returns a channel that receives the single result.
func (p *Pending) Done() <-chan Result {
	return p.ch
}

func (p *Pending) complete(r Result) error {
	if p.done {
		return errAlreadyCompleted
	}
	p.done = true
	p.ch <- r // buffered, never blocks
	return nil
}

// Engine holds FIFO queues of pending operations keyed by expected kind.
// It is not safe for concurrent use: the connection's I/O goroutine owns it.
type Engine struct {
	queues map[protocol.Kind][]*Pending
	seq    uint64
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		queues: make(map[protocol.Kind][]*Pending),
	}
}

// Register enqueues a new operation waiting for a response of kind expect.
func (e *Engine) Register(expect protocol.Kind) *Pending {
	e.seq++
	p := &Pending{
		expect: expect,
		seq:    e.seq,
		ch:     make(chan Result, 1),
	}
	e.queues[expect] = append(e.queues[expect], p)
	return p
}

// Dispatch fulfills the oldest operation waiting for pkt's kind and reports
// whether one was found. Unmatched packets are left to the caller.
func (e *Engine) Dispatch(pkt protocol.Packet) bool {
	kind := pkt.Kind()
	queue := e.queues[kind]
	if len(queue) == 0 {
		return false
	}

	head := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		delete(e.queues, kind)
	} else {
		e.queues[kind] = queue[1:]
	}

	_ = head.complete(Result{Packet: pkt})
	return true
}

// Remove takes p out of its queue without completing it. It returns false
// when p is no longer queued, i.e. it was already fulfilled or cancelled.
func (e *Engine) Remove(p *Pending) bool {
	queue := e.queues[p.expect]
	for i, q := range queue {
		if q != p {
			continue
		}
		copy(queue[i:], queue[i+1:])
		queue[len(queue)-1] = nil
		queue = queue[:len(queue)-1]
		if len(queue) == 0 {
			delete(e.queues, p.expect)
		} else {
			e.queues[p.expect] = queue
		}
		return true
	}
	return false
}

// Fail removes p and completes it with err. It returns false when p was
// not queued.
func (e *Engine) Fail(p *Pending, err error) bool {
	if !e.Remove(p) {
		return false
	}
	_ = p.complete(Result{Err: err})
	return true
}

// CancelAll fails every outstanding operation with reason and clears all
// queues. It returns the number of operations cancelled.
func (e *Engine) CancelAll(reason error) int {
	cancelled := 0
	for kind, queue := range e.queues {
		for _, p := range queue {
			if p.complete(Result{Err: reason}) == nil {
				cancelled++
			}
		}
		delete(e.queues, kind)
	}
	return cancelled
}

// Outstanding returns the number of queued operations across all kinds.
func (e *Engine) Outstanding() int {
	n := 0
	for _, queue := range e.queues {
		n += len(queue)
	}
	return n
}

// OutstandingFor returns the number of operations waiting for kind.
func (e *Engine) OutstandingFor(kind protocol.Kind) int {
	return len(e.queues[kind])
}
