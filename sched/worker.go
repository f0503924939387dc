package sched

import (
	"context"
	"sync/atomic"

	"github.com/zoobzio/capitan"
)

// Worker is an OS thread that can run tasks (spec.md §3). Grounded on
// toysched's M struct (step4-7: ID, P, G, stop/parkTime), generalized
// into the full main loop in scheduler_loop.go's (*Scheduler).runWorker.
type Worker struct {
	id int32

	sched *Scheduler

	slot atomic.Pointer[Slot]
	task atomic.Pointer[Task]

	pinnedTask atomic.Pointer[Task]

	spinning         atomic.Bool
	lockedExternally atomic.Int32
	internalLocks    atomic.Int32

	parkCh chan struct{}

	// nextSlot is set by a hand-off (syscall retake, starttheworld) to
	// tell a parked worker which slot to bind on wake — spec.md §3.
	nextSlot atomic.Pointer[Slot]

	// reserved and foreignNext back the foreign-thread adoption free list
	// (spec.md §4.9, sched/cgo.go): reserved marks a worker record built
	// for adoption rather than ordinary scheduling, and foreignNext
	// threads it through foreignPool's free-list stack.
	reserved    bool
	foreignNext *Worker
}

func newWorker(s *Scheduler, id int32) *Worker {
	return &Worker{
		id:     id,
		sched:  s,
		parkCh: make(chan struct{}, 1),
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() int32 { return w.id }

func (w *Worker) boundSlot() *Slot { return w.slot.Load() }

// Locked reports whether the task currently bound to this worker is
// pinned here (spec.md §4.6).
func (w *Worker) Locked() bool { return w.pinnedTask.Load() != nil }

// wake unparks a worker previously parked via park(), optionally handing
// it a specific slot to bind on wake.
func (w *Worker) wake(slot *Slot) {
	if slot != nil {
		w.nextSlot.Store(slot)
	}
	select {
	case w.parkCh <- struct{}{}:
	default:
		// Already has a pending wake.
	}
}

// park blocks the worker's driving goroutine until woken, reporting the
// parked/unparked signals observability.go declares for scrapers that
// watch worker lifecycle rather than poll Stats().
func (w *Worker) park() {
	capitan.Info(context.Background(), SignalWorkerParked, FieldWorkerID.Field(int(w.id)))
	<-w.parkCh
	capitan.Info(context.Background(), SignalWorkerUnparked, FieldWorkerID.Field(int(w.id)))
}
