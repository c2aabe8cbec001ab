// Package dispatchtest provides a manual Scheduler for deterministic component tests.
package dispatchtest

import (
	"sort"
	"time"

	"github.com/user/gaia-engine/dispatch"
)

// Scheduler is a dispatch.Scheduler driven by Advance.
// Callbacks run synchronously on the goroutine calling Advance, which stands in for the dispatch goroutine.
type Scheduler struct {
	now    time.Duration
	seq    int
	timers []*timer
}

type timer struct {
	s        *Scheduler
	deadline time.Duration
	seq      int
	fn       func()
	done     bool
}

func (t *timer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	t.s.remove(t)
	return true
}

// New returns a scheduler at time zero
func New() *Scheduler {
	return &Scheduler{}
}

// AfterFunc arms fn to run once Advance moves past d from now
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) dispatch.Timer {
	s.seq++
	t := &timer{s: s, deadline: s.now + d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves time forward by d, firing due timers in deadline order.
// Timers armed by a callback fire in the same call if they fall due before the new time.
func (s *Scheduler) Advance(d time.Duration) {
	target := s.now + d
	for {
		next := s.next()
		if next == nil || next.deadline > target {
			break
		}
		s.now = next.deadline
		next.done = true
		s.remove(next)
		next.fn()
	}
	s.now = target
}

// Epoch is the time a new Scheduler starts at
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Now returns Epoch plus the elapsed scheduler time
func (s *Scheduler) Now() time.Time {
	return Epoch.Add(s.now)
}

// Elapsed returns how far Advance has moved the scheduler
func (s *Scheduler) Elapsed() time.Duration {
	return s.now
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	return len(s.timers)
}

func (s *Scheduler) next() *timer {
	if len(s.timers) == 0 {
		return nil
	}
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].deadline == s.timers[j].deadline {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].deadline < s.timers[j].deadline
	})
	return s.timers[0]
}

func (s *Scheduler) remove(t *timer) {
	for i, other := range s.timers {
		if other == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}
