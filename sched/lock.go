package sched

// Pin binds the calling task to its current worker (spec.md §4.6): that
// worker will run only this task until Unpin, and Ready routes directly
// to it instead of the global queue. Must be called from within the
// task's own entry function.
func (t *Task) Pin() {
	slot := t.runningOn.Load()
	if slot == nil {
		Fatal("Pin: task #%d is not currently running", t.id)
	}
	w := slot.boundWorker()
	if w == nil {
		Fatal("Pin: slot %d has no bound worker", slot.ID())
	}
	t.pinned.Store(w)
	w.pinnedTask.Store(t)
	t.sched.lockedWorkers.Add(1)

	// spec.md §4.8: the deadlock check must run after every action that
	// parks a worker *or locks it to a task* — a locked worker is
	// subtracted from the running count exactly like a parked one.
	t.sched.checkDeadlock()
}

// Unpin releases a pin established by Pin.
func (t *Task) Unpin() {
	w := t.pinned.Swap(nil)
	if w == nil {
		return
	}
	w.pinnedTask.Store(nil)
	t.sched.lockedWorkers.Add(-1)
}

// Pinned reports whether the task is currently pinned to a worker.
func (t *Task) Pinned() bool { return t.pinned.Load() != nil }
