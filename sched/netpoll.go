package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// NetPoller is the network-readiness collaborator named in spec.md §6
// and §4.7: a non-blocking poll returning now-ready tasks (used by the
// monitor and the main loop), and a blocking variant idle workers use
// when there's nothing else to do. No corpus example ships an epoll/kqueue binding to wire this to, so
// it is implemented here on stdlib container/heap as a deadline queue —
// see DESIGN.md for why this one collaborator is stdlib rather than a
// third-party dependency.
type NetPoller interface {
	// Register records that t is waiting until timeout elapses, as a
	// stand-in for a real "wait for this fd" registration. It does not
	// park t itself, and a registration cannot be cancelled.
	Register(t *Task, timeout time.Duration)
	// Poll returns tasks whose wait has elapsed. If block is true and
	// nothing is currently due, it sleeps until the earliest deadline.
	Poll(block bool) []*Task
}

type pollWaiter struct {
	task     *Task
	deadline time.Time
	index    int
}

type waiterHeap []*pollWaiter

func (h waiterHeap) Len() int            { return len(h) }
func (h waiterHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h waiterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *waiterHeap) Push(x interface{}) {
	w := x.(*pollWaiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// timerNetPoller is the default NetPoller: every registered wait is
// really just a timer, so blocking poll degrades to "sleep until the
// nearest deadline". Good enough to exercise the scheduler's §4.7
// protocol without a real I/O multiplexer.
type timerNetPoller struct {
	clock clockz.Clock

	mu      sync.Mutex
	waiters waiterHeap
}

func newTimerNetPoller(clock clockz.Clock) *timerNetPoller {
	return &timerNetPoller{clock: clock}
}

func (p *timerNetPoller) Register(t *Task, timeout time.Duration) {
	p.mu.Lock()
	heap.Push(&p.waiters, &pollWaiter{task: t, deadline: p.clock.Now().Add(timeout)})
	p.mu.Unlock()
}

func (p *timerNetPoller) Poll(block bool) []*Task {
	p.mu.Lock()
	due := p.dueLocked()
	if len(due) == 0 && block && p.waiters.Len() > 0 {
		wait := p.waiters[0].deadline.Sub(p.clock.Now())
		p.mu.Unlock()
		if wait > 0 {
			<-p.clock.After(wait)
		}
		p.mu.Lock()
		due = p.dueLocked()
	}
	p.mu.Unlock()
	return due
}

// dueLocked requires p.mu held.
func (p *timerNetPoller) dueLocked() []*Task {
	now := p.clock.Now()
	var due []*Task
	for p.waiters.Len() > 0 && !p.waiters[0].deadline.After(now) {
		w := heap.Pop(&p.waiters).(*pollWaiter)
		due = append(due, w.task)
	}
	return due
}

// netPollInject polls the network collaborator and, per spec.md §4.3 step
// 3, injects all but one ready task into the global queue and returns one
// for the caller to run directly on slot.
func (s *Scheduler) netPollInject(block bool) *Task {
	ready := s.netPoller.Poll(block)
	if len(ready) == 0 {
		return nil
	}
	s.lastPoll.Store(s.clock.Now().UnixNano())
	for _, t := range ready {
		t.casStatus(TaskWaiting, TaskRunnable)
	}
	first := ready[0]
	if len(ready) > 1 {
		s.mu.Lock()
		for _, t := range ready[1:] {
			s.global.push(t)
		}
		s.mu.Unlock()
	}
	return first
}

// netPollInjectAll polls the network collaborator and pushes every ready
// task onto the global queue — used by the monitor, which holds no slot
// of its own to run one directly (spec.md §4.7's monitor-poll clause).
func (s *Scheduler) netPollInjectAll(block bool) {
	ready := s.netPoller.Poll(block)
	if len(ready) == 0 {
		return
	}
	s.lastPoll.Store(s.clock.Now().UnixNano())
	s.mu.Lock()
	for _, t := range ready {
		t.casStatus(TaskWaiting, TaskRunnable)
		s.global.push(t)
	}
	s.mu.Unlock()
	s.maybeWake()
}

// claimBlockingPoll implements the single-waiter guard of spec.md §4.7:
// "claimed by atomically exchanging the last-poll timestamp with zero".
func (s *Scheduler) claimBlockingPoll() bool {
	return s.lastPoll.Swap(0) != 0
}

func (s *Scheduler) runBlockingPoll() {
	ready := s.netPoller.Poll(true)
	s.lastPoll.Store(s.clock.Now().UnixNano())
	if len(ready) == 0 {
		return
	}
	s.mu.Lock()
	for _, t := range ready {
		t.casStatus(TaskWaiting, TaskRunnable)
		s.global.push(t)
	}
	s.mu.Unlock()
	s.maybeWake()
}

// WaitNetwork parks the calling task until the network collaborator
// reports it ready or timeout elapses — a convenience built on Park and
// Register.
func (t *Task) WaitNetwork(timeout time.Duration) {
	s := t.sched
	s.netPoller.Register(t, timeout)
	t.Park("network I/O", func() bool { return true })
}
