package sched

import (
	"sync"
	"sync/atomic"
)

// SlotStatus is one of the states named in spec.md §3.
type SlotStatus int32

const (
	SlotIdle SlotStatus = iota
	SlotRunning
	SlotSyscall
	SlotGCStop
	SlotDead
)

func (s SlotStatus) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotRunning:
		return "running"
	case SlotSyscall:
		return "syscall"
	case SlotGCStop:
		return "gcstop"
	case SlotDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Slot is an execution permit (spec.md §3). Grounded on toysched's P
// struct (step4-7's RunQ/NumG), generalized to the ring-buffer queue in
// queue.go and the monitor tick/free-cache fields the spec adds.
type Slot struct {
	id     int32
	status atomic.Int32

	run *localRing

	tick atomic.Int64 // bumped on each EnterSyscall; the monitor compares it across ticks

	worker atomic.Pointer[Worker] // nil when Idle

	freeMu    sync.Mutex
	free      freeList
	freeBound int

	lockedForRetake atomic.Int32 // temporary "locked" counter, spec.md §4.4
}

func newSlot(id int32) *Slot {
	s := &Slot{
		id:        id,
		run:       newLocalRing(DefaultRingCapacity),
		freeBound: DefaultFreeCacheBound,
	}
	s.status.Store(int32(SlotIdle))
	return s
}

// ID returns the slot's identity.
func (s *Slot) ID() int32 { return s.id }

func (s *Slot) Status() SlotStatus { return SlotStatus(s.status.Load()) }

func (s *Slot) setStatus(st SlotStatus) { s.status.Store(int32(st)) }

// casStatus performs a compare-and-swap on the slot's status, used by
// the lock-free syscall fast path (spec.md §4.4).
func (s *Slot) casStatus(from, to SlotStatus) bool {
	return s.status.CompareAndSwap(int32(from), int32(to))
}

func (s *Slot) boundWorker() *Worker { return s.worker.Load() }

func (s *Slot) bindWorker(w *Worker) { s.worker.Store(w) }

// acquireFree pops a task from the slot's free cache, refilling from the
// scheduler's global free cache if the local one is empty.
func (s *Slot) acquireFree(sched *Scheduler) *Task {
	s.freeMu.Lock()
	t := s.free.pop()
	s.freeMu.Unlock()
	if t != nil {
		return t
	}

	sched.mu.Lock()
	batch := sched.globalFree.popBatch(s.freeBound / 2)
	sched.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	s.freeMu.Lock()
	for _, bt := range batch[1:] {
		s.free.push(bt)
	}
	s.freeMu.Unlock()
	return batch[0]
}

// releaseFree returns a dead task to the slot's free cache, spilling
// half to the scheduler's global free cache once the bound is exceeded.
func (s *Slot) releaseFree(sched *Scheduler, t *Task) {
	s.freeMu.Lock()
	s.free.push(t)
	over := s.free.count > s.freeBound
	var spill []*Task
	if over {
		n := s.free.count / 2
		spill = s.free.popBatch(n)
	}
	s.freeMu.Unlock()

	if len(spill) > 0 {
		sched.mu.Lock()
		for _, st := range spill {
			sched.globalFree.push(st)
		}
		sched.mu.Unlock()
	}
}
