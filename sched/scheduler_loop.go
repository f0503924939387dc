package sched

import (
	"context"
	"math/rand"
	"runtime"

	"github.com/zoobzio/capitan"
)

// runWorker is a Worker's entire lifetime: acquire a slot, run the §4.3
// scheduling loop, and release the slot on park. Grounded on toysched's
// scheduleOnce/run loop generalized to the stop-the-world check, spinning
// policy, and work-stealing spec.md adds on top.
func (s *Scheduler) runWorker(w *Worker) {
	for {
		slot := w.slot.Load()
		if slot == nil {
			slot = s.acquireSlotFor(w)
			if slot == nil {
				continue // already parked inside acquireSlotFor; re-check on wake
			}
		}

		if s.stwRequested.Load() {
			s.parkForStopTheWorld(w, slot)
			continue
		}

		select {
		case <-s.shutdownCh:
			return
		default:
		}

		// A pinned worker (spec.md §4.6) never runs anything but its pinned
		// task. While that task is suspended the worker hands its slot off
		// (spec.md §4.6: "the worker releases its slot via hand-off and
		// parks") rather than sitting on it, then reacquires one once the
		// task is readied.
		if pinned := w.pinnedTask.Load(); pinned != nil {
			if pinned.Status() == TaskRunnable {
				s.runTaskOnWorker(w, slot, pinned)
			} else {
				s.parkPinnedWorker(w, slot)
			}
			continue
		}

		task := s.findRunnable(w, slot)
		if task == nil {
			continue // findRunnable already released the slot and parked us
		}
		s.runTaskOnWorker(w, slot, task)
	}
}

// acquireSlotFor gives a slot-less worker a slot: a pending hand-off
// first, then any idle slot, else the worker parks on the idle-worker
// stack to wait for one (spec.md §3's idle-worker pool).
func (s *Scheduler) acquireSlotFor(w *Worker) *Slot {
	if ns := w.nextSlot.Swap(nil); ns != nil {
		s.bindWorkerToSlot(w, ns)
		return ns
	}
	if idle := s.popIdleSlot(); idle != nil {
		s.bindWorkerToSlot(w, idle)
		return idle
	}
	s.pushIdleWorker(w)
	s.checkDeadlock()
	w.park()
	if ns := w.nextSlot.Swap(nil); ns != nil {
		s.bindWorkerToSlot(w, ns)
		return ns
	}
	return nil
}

func (s *Scheduler) bindWorkerToSlot(w *Worker, slot *Slot) {
	slot.bindWorker(w)
	slot.setStatus(SlotRunning)
	w.slot.Store(slot)
}

func (s *Scheduler) popIdleSlot() *Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.idleSlots)
	if n == 0 {
		return nil
	}
	sl := s.idleSlots[n-1]
	s.idleSlots = s.idleSlots[:n-1]
	rem := s.idleSlotCount.Add(-1)
	s.metrics.Gauge(MetricIdleSlots).Set(float64(rem))
	return sl
}

func (s *Scheduler) pushIdleSlot(sl *Slot) {
	s.mu.Lock()
	sl.bindWorker(nil)
	sl.setStatus(SlotIdle)
	s.idleSlots = append(s.idleSlots, sl)
	n := s.idleSlotCount.Add(1)
	s.mu.Unlock()
	s.metrics.Gauge(MetricIdleSlots).Set(float64(n))
}

func (s *Scheduler) popIdleWorker() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.idleWorkers)
	if n == 0 {
		return nil
	}
	w := s.idleWorkers[n-1]
	s.idleWorkers = s.idleWorkers[:n-1]
	s.metrics.Gauge(MetricIdleWorkers).Set(float64(len(s.idleWorkers)))
	return w
}

func (s *Scheduler) pushIdleWorker(w *Worker) {
	s.mu.Lock()
	s.idleWorkers = append(s.idleWorkers, w)
	n := len(s.idleWorkers)
	s.mu.Unlock()
	s.metrics.Gauge(MetricIdleWorkers).Set(float64(n))
}

// maybeWake implements spec.md §4.2's admission rule: when a task becomes
// runnable and no worker is spinning, claim an idle slot and start (or
// unpark) a worker onto it. Best-effort, like the real scheduler's wakep:
// losing the race just means one fewer spinner than ideal, never a
// correctness problem, since the task stays queued regardless.
func (s *Scheduler) maybeWake() {
	if s.spinning.Load() != 0 {
		return
	}
	idle := s.popIdleSlot()
	if idle == nil {
		return
	}
	if !s.spinning.CompareAndSwap(0, 1) {
		s.pushIdleSlot(idle)
		return
	}
	s.metrics.Gauge(MetricSpinning).Set(1)
	s.startWorkerOn(idle)
}

// admitRunnable makes an already-Runnable task eligible for dispatch.
// A pinned task (spec.md §4.6) never touches the global queue: it is
// routed straight to its pinned worker, which picks it up at the top of
// runWorker on its own next iteration. Anything else goes on the global
// queue behind the usual wake.
func (s *Scheduler) admitRunnable(t *Task) {
	if w := t.pinned.Load(); w != nil {
		w.wake(nil)
		return
	}
	s.mu.Lock()
	s.global.push(t)
	s.mu.Unlock()
	s.maybeWake()
}

func (s *Scheduler) startWorkerOn(slot *Slot) {
	if w := s.popIdleWorker(); w != nil {
		w.spinning.Store(true)
		s.bindWorkerToSlot(w, slot)
		w.wake(slot)
		return
	}
	w := s.newWorker()
	w.spinning.Store(true)
	s.bindWorkerToSlot(w, slot)
	go s.runWorker(w)
}

func (s *Scheduler) newWorker() *Worker {
	s.workersMu.Lock()
	id := int32(len(s.workers))
	w := newWorker(s, id)
	s.workers = append(s.workers, w)
	s.workersMu.Unlock()
	s.metrics.Gauge(MetricWorkers).Set(float64(id + 1))
	return w
}

func (s *Scheduler) canSpin() bool {
	return 2*int(s.spinning.Load()) < int(s.slotCount.Load())-int(s.idleSlotCount.Load())
}

func (s *Scheduler) stopSpinning(w *Worker) {
	if w.spinning.CompareAndSwap(true, false) {
		n := s.spinning.Add(-1)
		s.metrics.Gauge(MetricSpinning).Set(float64(n))
	}
}

// findRunnable walks spec.md §4.3's steps 2-5: local ring, global drain,
// non-blocking network poll, spinning steal, then final recheck+park.
func (s *Scheduler) findRunnable(w *Worker, slot *Slot) *Task {
	if t := slot.run.popFront(); t != nil {
		return t
	}
	if t := s.globalDrain(slot); t != nil {
		return t
	}
	if t := s.netPollInject(false); t != nil {
		return t
	}
	if t := s.trySteal(w, slot); t != nil {
		return t
	}
	return s.parkAndRelease(w, slot)
}

// globalDrain takes globalSize/slotCount + 1 tasks from the global queue
// (spec.md §4.3 step 2's batching formula), keeps one and spills the rest
// onto the caller's local ring.
func (s *Scheduler) globalDrain(slot *Slot) *Task {
	s.mu.Lock()
	t := s.drainGlobalLocked(slot)
	s.mu.Unlock()
	return t
}

// drainGlobalLocked requires s.mu held.
func (s *Scheduler) drainGlobalLocked(slot *Slot) *Task {
	if s.global.size == 0 {
		return nil
	}
	sc := int(s.slotCount.Load())
	if sc < 1 {
		sc = 1
	}
	n := s.global.size/sc + 1
	if n > s.global.size {
		n = s.global.size
	}
	batch := s.global.popBatch(n)
	if len(batch) == 0 {
		return nil
	}
	if len(batch) > 1 {
		slot.run.pushBatch(batch[1:])
	}
	return batch[0]
}

// trySteal implements the spinning-clamp-gated random steal scan (spec.md
// §4.3 step 4): "enter spinning mode unless already parallel enough, then
// attempt up to 2*slotCount random steals".
func (s *Scheduler) trySteal(w *Worker, slot *Slot) *Task {
	if !w.spinning.Load() {
		n := s.spinning.Add(1)
		// Same rule as canSpin, applied to the count before this worker joined.
		if 2*int(n-1) >= int(s.slotCount.Load())-int(s.idleSlotCount.Load()) {
			n = s.spinning.Add(-1)
			s.metrics.Gauge(MetricSpinning).Set(float64(n))
			return nil
		}
		w.spinning.Store(true)
		s.metrics.Gauge(MetricSpinning).Set(float64(n))
	}

	s.slotsMu.Lock()
	victims := make([]*Slot, len(s.slots))
	copy(victims, s.slots)
	s.slotsMu.Unlock()
	if len(victims) == 0 {
		return nil
	}

	attempts := 2 * len(victims)
	for i := 0; i < attempts; i++ {
		victim := victims[rand.Intn(len(victims))]
		if victim == slot || victim.Status() != SlotRunning {
			continue
		}
		s.metrics.Counter(MetricStealAttempts).Inc()
		if n := stealHalf(victim.run, slot.run); n > 0 {
			s.metrics.Counter(MetricStealSuccesses).Inc()
			s.stopSpinning(w)
			return slot.run.popFront()
		}
	}
	return nil
}

// parkAndRelease is spec.md §4.3 step 5: recheck global/network under the
// scheduler lock, release the slot, optionally kick off a blocking network
// wait, then park. Returns nil always; the caller's loop re-checks
// w.slot/w.nextSlot on wake.
func (s *Scheduler) parkAndRelease(w *Worker, slot *Slot) *Task {
	s.mu.Lock()
	if t := s.drainGlobalLocked(slot); t != nil {
		s.mu.Unlock()
		s.stopSpinning(w)
		return t
	}
	s.mu.Unlock()

	if t := s.netPollInject(false); t != nil {
		s.stopSpinning(w)
		return t
	}

	s.stopSpinning(w)
	w.slot.Store(nil)
	s.pushIdleSlot(slot)

	if s.claimBlockingPoll() {
		go s.runBlockingPoll()
	}

	s.pushIdleWorker(w)
	s.checkDeadlock()
	w.park()
	return nil
}

// parkPinnedWorker hands slot off to whoever can use it (another worker
// if it has queued work, else the idle-slot stack) and blocks the pinned
// worker until its task is readied again (spec.md §4.6). Unlike an
// ordinary idle worker, it is never pushed onto the general idle-worker
// stack — doing so would let startWorkerOn hand it someone else's task,
// breaking the "only the pinned worker ever runs this task" guarantee.
// wake(nil) from admitRunnable's pinned branch is what unparks it; once
// woken, it reacquires a slot the same way AdoptWorker's foreign-thread
// path does (spin on the idle-slot stack), since it cannot wait in the
// ordinary idle-worker queue either.
func (s *Scheduler) parkPinnedWorker(w *Worker, slot *Slot) {
	w.slot.Store(nil)
	if slot.run.len() > 0 {
		slot.bindWorker(nil)
		s.startWorkerOn(slot)
	} else {
		s.pushIdleSlot(slot)
	}

	s.checkDeadlock()
	w.park()

	for {
		if ns := w.nextSlot.Swap(nil); ns != nil {
			s.bindWorkerToSlot(w, ns)
			return
		}
		if idle := s.popIdleSlot(); idle != nil {
			s.bindWorkerToSlot(w, idle)
			return
		}
		runtime.Gosched()
	}
}

// runTaskOnWorker drives one dispatch of a task to completion of its next
// suspension point (spec.md §4.3's per-task "switch to task, run until
// yield/park/syscall/done/panic").
func (s *Scheduler) runTaskOnWorker(w *Worker, slot *Slot, t *Task) {
	w.task.Store(t)
	t.runningOn.Store(slot)
	if !t.started.Swap(true) {
		t.start()
	}

	t.resumeCh <- struct{}{}
	ev := <-t.yieldCh

	// A syscall excursion may have moved the task onto a different slot
	// than the one it was dispatched with (ExitSyscall's slow path,
	// immediate-idle-slot branch); prefer whatever it holds now.
	if cur := t.runningOn.Load(); cur != nil {
		slot = cur
	}
	t.runningOn.Store(nil)
	w.task.Store(nil)

	switch ev.kind {
	case evDone:
		s.retireTask(slot, t)

	case evPanic:
		s.retireTask(slot, t)
		capitan.Error(context.Background(), SignalFatal, FieldTaskID.Field(int(t.id)))
		Fatal("task #%d panicked: %v", t.id, ev.panic)

	case evYield:
		s.admitRunnable(t)

	case evPark:
		if t.unlockFn != nil {
			if keep := t.unlockFn(); !keep {
				t.setStatus(TaskRunnable)
				s.admitRunnable(t)
			}
		}

	case evSyscallRetry:
		// ExitSyscall's slow path found no idle slot: the task is already
		// marked Runnable and must be admitted like any other.
		s.admitRunnable(t)
	}
}
