package sched

import (
	"context"

	"github.com/zoobzio/capitan"
)

// checkDeadlock implements spec.md §4.8. It must run after every action
// that parks a worker or locks one to a task. This implementation keeps
// the monitor out of the worker list entirely rather than counting it and
// subtracting one — spec.md §9 notes the historical implementations
// differ here and leaves the choice to the implementer, provided it is
// applied consistently (see DESIGN.md).
func (s *Scheduler) checkDeadlock() {
	if s.retakeInFlight() {
		return // monitor.go's retake has a slot mid-CAS; counts below are stale
	}

	s.workersMu.Lock()
	mcount := len(s.workers)
	s.workersMu.Unlock()

	s.mu.Lock()
	idle := len(s.idleWorkers)
	s.mu.Unlock()

	locked := int(s.lockedWorkers.Load())

	running := mcount - idle - locked
	if running > 0 {
		return
	}

	anyLive := false
	allWaiting := true
	s.allTasksMu.Lock()
	for _, t := range s.allTasks {
		if t.Background() {
			continue
		}
		switch t.Status() {
		case TaskDead, TaskIdle:
			continue
		case TaskWaiting:
			anyLive = true
		default:
			anyLive = true
			allWaiting = false
		}
	}
	s.allTasksMu.Unlock()

	if !anyLive {
		return // nothing runnable and nothing live: quiescent, not deadlocked
	}

	diag := "fatal error: no goroutines (tasks) are runnable - deadlock"
	if allWaiting {
		diag = "fatal error: all tasks are asleep - deadlock"
	}

	s.hooks.Emit(context.Background(), HookDeadlock, SchedEvent{Reason: diag}) //nolint:errcheck
	capitan.Error(context.Background(), SignalDeadlock, FieldDiagnostic.Field(diag))
	Fatal("%s", diag)
}

// retakeInFlight reports whether the monitor (monitor.go's
// retakeStuckSlots) is mid-CAS on any slot. spec.md §4.4: "the temporary
// locked counter is incremented around the CAS so that an exiting
// syscall cannot race the monitor into a false deadlock" — an exiting
// syscall's ExitSyscall fast-path failure and the monitor's retake both
// shift the idle/running worker counts checkDeadlock relies on, so a
// check that lands in the middle of that CAS must be skipped rather
// than trusted.
func (s *Scheduler) retakeInFlight() bool {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	for _, sl := range s.slots {
		if sl.lockedForRetake.Load() > 0 {
			return true
		}
	}
	return false
}
