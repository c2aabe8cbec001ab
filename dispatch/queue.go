// Package dispatch provides the single dispatch queue every engine component runs on.
//
// Components built on the queue (connection, gatt, ack and the stream framer) hold no locks:
// they are only ever touched from the queue goroutine. Other goroutines hand work over with Post,
// and timers deliver their callbacks through the same queue.
package dispatch

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-collections/go-datastructures/queue"

	"github.com/user/gaia-engine/logger"
)

// Timer is a cancellable deadline
type Timer interface {
	// Stop cancels the timer. It returns false if the callback already ran or the timer was stopped.
	Stop() bool
}

// Scheduler arms deadlines whose callbacks run on the dispatch goroutine
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	// Now reads the clock the deadlines run on
	Now() time.Time
}

// Queue runs posted tasks one at a time, in FIFO order, on its own goroutine
type Queue struct {
	tasks  *queue.Queue
	clock  clock.Clock
	prefix string

	closed int32
	done   chan struct{}
}

// New starts a dispatch queue. clk drives AfterFunc; pass clock.New() outside tests.
func New(clk clock.Clock, prefix string) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		tasks:  queue.New(16),
		clock:  clk,
		prefix: prefix + " Dispatch",
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		items, err := q.tasks.Get(1)
		if err != nil {
			// Disposed
			return
		}
		for _, item := range items {
			q.runTask(item.(func()))
		}
	}
}

// runTask keeps a panicking task from taking the queue goroutine down with it
func (q *Queue) runTask(fn func()) {
	defer func() {
		if x := recover(); x != nil {
			logger.Error(q.prefix, "run time panic: %v", x)
			logger.Error(q.prefix, "%s", debug.Stack())
		}
	}()
	fn()
}

// Post hands fn to the queue goroutine. It returns false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	if atomic.LoadInt32(&q.closed) != 0 {
		return false
	}
	if err := q.tasks.Put(fn); err != nil {
		return false
	}
	return true
}

// AfterFunc arms a timer whose callback is posted to the queue when d elapses.
// A timer stopped from the queue goroutine never runs its callback, even if it
// already fired and its task is waiting behind the one calling Stop.
func (q *Queue) AfterFunc(d time.Duration, fn func()) Timer {
	t := &queueTimer{}
	t.timer = q.clock.AfterFunc(d, func() {
		q.Post(func() {
			if atomic.CompareAndSwapInt32(&t.state, timerPending, timerFired) {
				fn()
			}
		})
	})
	return t
}

// Now returns the queue clock's current time
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}

// Flush blocks until every task posted before the call has run.
// It must not be called from the queue goroutine.
func (q *Queue) Flush() {
	flushed := make(chan struct{})
	if !q.Post(func() { close(flushed) }) {
		return
	}
	select {
	case <-flushed:
	case <-q.done:
	}
}

// Len returns the number of tasks waiting to run
func (q *Queue) Len() int {
	return int(q.tasks.Len())
}

// Close stops the queue goroutine. Tasks still waiting are discarded.
func (q *Queue) Close() {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return
	}
	q.tasks.Dispose()
}

// Done is closed when the queue goroutine has exited
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type queueTimer struct {
	state int32
	timer *clock.Timer
}

func (t *queueTimer) Stop() bool {
	if !atomic.CompareAndSwapInt32(&t.state, timerPending, timerStopped) {
		return false
	}
	t.timer.Stop()
	return true
}
