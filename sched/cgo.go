package sched

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/zoobzio/capitan"
)

// ForeignBridge is the contract spec.md §6 names for the foreign-call
// adapter: it must bracket each out-call with EnterSyscall/ExitSyscall on
// the calling task, and bracket each callback with AdoptWorker/
// ReleaseWorker. Declaring it as an interface lets adapter code (cgo
// glue, or any other foreign-call bridge) depend on the contract rather
// than the concrete Scheduler.
type ForeignBridge interface {
	EnterSyscall(t *Task)
	ExitSyscall(t *Task)
	AdoptWorker() *Worker
	ReleaseWorker(w *Worker)
}

type schedBridge struct{ s *Scheduler }

func (b schedBridge) EnterSyscall(t *Task)    { t.EnterSyscall() }
func (b schedBridge) ExitSyscall(t *Task)     { t.ExitSyscall() }
func (b schedBridge) AdoptWorker() *Worker    { return b.s.AdoptWorker() }
func (b schedBridge) ReleaseWorker(w *Worker) { b.s.ReleaseWorker(w) }

// Bridge returns the scheduler's own ForeignBridge implementation, for
// wiring into whatever code makes the actual foreign calls.
func (s *Scheduler) Bridge() ForeignBridge { return schedBridge{s} }

// foreignPool is the auxiliary free list of pre-built worker records
// spec.md §4.9 describes: each a *Worker that was never discovered
// through ordinary demand-driven creation, reserved so a foreign thread
// calling back in can install itself as a worker without waiting on the
// scheduler lock. The list's own lock is a single CAS-guarded sentinel
// word rather than sync.Mutex — spec.md §5: "Spin-and-yield is used to
// lock the foreign-thread free list without a worker context" — since a
// brand-new foreign thread has no worker, and therefore none of the
// ordinary scheduler primitives, until it pops one.
type foreignPool struct {
	sched *Scheduler
	head  atomic.Pointer[Worker]
	lock  atomic.Bool
}

func newForeignPool(s *Scheduler) *foreignPool {
	fp := &foreignPool{sched: s}
	fp.push(fp.build())
	return fp
}

// build allocates a fresh worker record reserved for adoption. It counts
// against the scheduler's permanent worker roster like any other worker
// (spec.md §3: "never destroyed"), since once a real OS thread has used
// it, it is never safe to throw away — only ever cycled back through the
// free list.
func (fp *foreignPool) build() *Worker {
	w := fp.sched.newWorker()
	w.reserved = true
	return w
}

func (fp *foreignPool) lockSpin() {
	for !fp.lock.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (fp *foreignPool) unlock() { fp.lock.Store(false) }

func (fp *foreignPool) pop() *Worker {
	fp.lockSpin()
	defer fp.unlock()
	w := fp.head.Load()
	if w == nil {
		return nil
	}
	fp.head.Store(w.foreignNext)
	w.foreignNext = nil
	return w
}

func (fp *foreignPool) push(w *Worker) {
	fp.lockSpin()
	defer fp.unlock()
	w.foreignNext = fp.head.Load()
	fp.head.Store(w)
}

// AdoptWorker implements spec.md §4.9: a thread the scheduler never
// created pops a pre-built worker record and installs itself as that
// worker. A replacement is pushed immediately so the free list is never
// observed empty by the next foreign thread ("the invariant that the
// free list is never empty is maintained by allocating a replacement on
// first callback from a fresh thread"). The popped worker then takes an
// idle slot, spinning with runtime.Gosched until one is free, so
// admission is respected for the callback just as for any other syscall
// return.
func (s *Scheduler) AdoptWorker() *Worker {
	w := s.foreign.pop()
	if w == nil {
		w = s.foreign.build()
	}
	s.foreign.push(s.foreign.build())

	s.foreignCalls.Add(1)
	s.metrics.Counter(MetricForeignCalls).Inc()
	capitan.Info(context.Background(), SignalForeignAdopted, FieldWorkerID.Field(int(w.ID())))

	if idle := s.popIdleSlot(); idle != nil {
		s.bindWorkerToSlot(w, idle)
		return w
	}

	s.mu.Lock()
	s.parkedForSlot.Add(1)
	s.mu.Unlock()
	for {
		if idle := s.popIdleSlot(); idle != nil {
			s.mu.Lock()
			s.parkedForSlot.Add(-1)
			s.mu.Unlock()
			s.bindWorkerToSlot(w, idle)
			return w
		}
		runtime.Gosched()
	}
}

// ReleaseWorker reverses AdoptWorker: the callback is over, so the slot
// goes back to the idle pool and the worker record returns to the free
// list for the next foreign thread to reuse.
func (s *Scheduler) ReleaseWorker(w *Worker) {
	if slot := w.slot.Load(); slot != nil {
		w.slot.Store(nil)
		s.pushIdleSlot(slot)
	}
	capitan.Info(context.Background(), SignalForeignReleased, FieldWorkerID.Field(int(w.ID())))
	s.foreign.push(w)
}
