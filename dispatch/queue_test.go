package dispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueue_RunsTasksInOrder(t *testing.T) {
	q := New(clock.NewMock(), "test")
	defer q.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		if !q.Post(func() { order = append(order, i) }) {
			t.Fatal("Post failed on an open queue")
		}
	}
	q.Flush()

	if len(order) != 100 {
		t.Fatalf("Expected 100 tasks, ran %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Task %d ran at position %d", v, i)
		}
	}
}

func TestQueue_SurvivesPanic(t *testing.T) {
	q := New(clock.NewMock(), "test")
	defer q.Close()

	ran := make(chan struct{})
	q.Post(func() { panic("boom") })
	q.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Task after a panic never ran")
	}
}

func TestQueue_AfterFuncRunsOnQueue(t *testing.T) {
	mock := clock.NewMock()
	q := New(mock, "test")
	defer q.Close()

	fired := make(chan struct{})
	q.AfterFunc(30*time.Second, func() { close(fired) })

	mock.Add(29 * time.Second)
	select {
	case <-fired:
		t.Fatal("Timer fired before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer never fired")
	}
}

func TestQueue_StoppedTimerNeverRuns(t *testing.T) {
	mock := clock.NewMock()
	q := New(mock, "test")
	defer q.Close()

	var fired int32
	timer := q.AfterFunc(time.Second, func() { atomic.StoreInt32(&fired, 1) })

	// Hold the queue so the timer's task queues up behind us
	gate := make(chan struct{})
	stopped := make(chan bool, 1)
	q.Post(func() {
		<-gate
		stopped <- timer.Stop()
	})

	mock.Add(time.Second)
	waitFor(t, func() bool { return q.Len() >= 1 }, "timer task to be posted")
	close(gate)

	if !<-stopped {
		t.Fatal("Expected Stop to succeed while the timer task was still queued")
	}
	q.Flush()
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("Stopped timer ran its callback")
	}
}

func TestQueue_StopAfterFire(t *testing.T) {
	mock := clock.NewMock()
	q := New(mock, "test")
	defer q.Close()

	fired := make(chan struct{})
	timer := q.AfterFunc(time.Second, func() { close(fired) })
	mock.Add(time.Second)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer never fired")
	}
	if timer.Stop() {
		t.Error("Expected Stop to report false after the callback ran")
	}
}

func TestQueue_Close(t *testing.T) {
	q := New(clock.NewMock(), "test")
	q.Close()

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Queue goroutine did not exit")
	}
	if q.Post(func() {}) {
		t.Error("Expected Post to fail after Close")
	}
	// Must not block
	q.Flush()
	q.Close()
}
