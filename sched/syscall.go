package sched

// EnterSyscall marks the calling task Syscall and frees its slot for other
// workers, the fast path of spec.md §4.4: no lock is taken, the worker's
// memory-allocator cache is detached, and the slot's bound worker is
// nulled before the status CAS. The task's own goroutine keeps running
// (doing whatever blocking call it came here to make); the worker that
// dispatched it stays idle-blocked waiting for this task's next
// suspension point, mirroring an OS thread genuinely stuck in a kernel
// call.
func (t *Task) EnterSyscall() {
	slot := t.runningOn.Load()
	if slot == nil {
		Fatal("EnterSyscall: task #%d has no bound slot", t.id)
	}
	w := slot.boundWorker()
	if w == nil {
		Fatal("EnterSyscall: slot %d has no bound worker", slot.ID())
	}
	t.syscallWorker.Store(w)
	t.sched.mm.ReleaseCache(w)

	t.setStatus(TaskSyscall)
	slot.bindWorker(nil)
	w.slot.Store(nil)
	slot.tick.Add(1)
	if !slot.casStatus(SlotRunning, SlotSyscall) {
		Fatal("EnterSyscall: slot %d not Running", slot.ID())
	}
}

// EnterSyscallBlocking is EnterSyscall plus an immediate, active hand-off
// of the freed slot (spec.md §4.4's "blocking hint" variant), for calls
// known in advance to run long enough that waiting for the monitor's
// retake would waste parallelism.
func (t *Task) EnterSyscallBlocking() {
	t.EnterSyscall()
	t.sched.handoffSyscallSlot(t.runningOn.Load())
}

// handoffSyscallSlot is EnterSyscallBlocking's hand-off: a slot just
// freed from Syscall either gets a worker started on it directly, or is
// parked idle. The monitor's retake (monitor.go) does its own CAS and
// hand-off rather than calling this.
func (s *Scheduler) handoffSyscallSlot(slot *Slot) {
	if s.stwRequested.Load() {
		if slot.casStatus(SlotSyscall, SlotGCStop) {
			s.mu.Lock()
			s.stopWait.Add(-1)
			s.stwCond.Broadcast()
			s.mu.Unlock()
		}
		return
	}
	if !slot.casStatus(SlotSyscall, SlotIdle) {
		return // raced with ExitSyscall's fast path or a concurrent retake
	}
	if slot.run.len() > 0 {
		s.startWorkerOn(slot)
		return
	}
	s.mu.Lock()
	hasGlobal := s.global.size > 0
	s.mu.Unlock()
	if s.spinning.Load() == 0 && hasGlobal {
		s.startWorkerOn(slot)
		return
	}
	s.pushIdleSlot(slot)
}

// ExitSyscall ends a syscall excursion. The fast path (slot untouched
// since EnterSyscall) CASes the slot back to Running and resumes on the
// same worker with zero locks (spec.md §4.4). The slow path is taken when
// the monitor or a blocking hand-off already reclaimed the slot.
func (t *Task) ExitSyscall() {
	s := t.sched
	slot := t.runningOn.Load()
	if slot == nil {
		Fatal("ExitSyscall: task #%d lost its slot reference", t.id)
	}
	if slot.casStatus(SlotSyscall, SlotRunning) {
		w := t.syscallWorker.Swap(nil)
		if w == nil {
			Fatal("ExitSyscall: task #%d has no syscall worker to rebind", t.id)
		}
		slot.bindWorker(w)
		w.slot.Store(slot)
		t.setStatus(TaskRunning)
		return
	}
	s.exitSyscallSlow(t)
}

// exitSyscallSlow implements spec.md §4.4's slow path: try the idle-slot
// stack first. The original worker never stopped waiting on this task's
// yieldCh since EnterSyscall, so handing it a new slot is enough to
// resume exactly where the fast path would have — no new worker needed.
// Only when no idle slot exists does the task actually go dormant,
// re-enqueued Runnable on the global queue until any worker (this one
// included, once it rejoins the idle pool) dispatches it again.
func (s *Scheduler) exitSyscallSlow(t *Task) {
	w := t.syscallWorker.Swap(nil)
	if w == nil {
		Fatal("ExitSyscall: task #%d has no syscall worker to resume", t.id)
	}

	if idle := s.popIdleSlot(); idle != nil {
		s.bindWorkerToSlot(w, idle)
		t.runningOn.Store(idle)
		t.setStatus(TaskRunning)
		return
	}

	t.runningOn.Store(nil)
	t.setStatus(TaskRunnable)
	t.yieldCh <- taskEvent{kind: evSyscallRetry}
	<-t.resumeCh
	t.setStatus(TaskRunning)
}
