package sched

import (
	"context"

	"github.com/zoobzio/capitan"
)

// StopTheWorld implements spec.md §4.5's seven-step barrier. caller may be
// nil (invoked from outside any task, e.g. the demo command adjusting
// MaxProcs) or the task whose own slot should be the first one quiesced.
func (s *Scheduler) StopTheWorld(caller *Task) {
	s.stwMu.Lock()
	defer s.stwMu.Unlock()

	ctx, span := s.tracer.StartSpan(context.Background(), SpanStopTheWorld)
	defer span.Finish()
	capitan.Info(ctx, SignalStopTheWorld)

	s.mu.Lock()
	s.stwRequested.Store(true)
	s.stopWait.Store(int32(len(s.slots)))

	if caller != nil {
		if slot := caller.runningOn.Load(); slot != nil {
			slot.setStatus(SlotGCStop)
			slot.bindWorker(nil)
			s.stopWait.Add(-1)
		}
	}

	for _, sl := range s.slots {
		if sl.casStatus(SlotSyscall, SlotGCStop) {
			s.stopWait.Add(-1)
		}
	}

	for len(s.idleSlots) > 0 {
		n := len(s.idleSlots)
		sl := s.idleSlots[n-1]
		s.idleSlots = s.idleSlots[:n-1]
		s.idleSlotCount.Add(-1)
		sl.setStatus(SlotGCStop)
		s.stopWait.Add(-1)
	}

	for s.stopWait.Load() > 0 {
		s.stwCond.Wait()
	}
	s.mu.Unlock()

	s.collector.Notify(s)
}

// parkForStopTheWorld is how a worker inside the main loop hands over its
// slot once it observes the global stop flag (spec.md §4.5's
// "Cooperation" clause).
func (s *Scheduler) parkForStopTheWorld(w *Worker, slot *Slot) {
	s.mu.Lock()
	slot.setStatus(SlotGCStop)
	slot.bindWorker(nil)
	s.stopWait.Add(-1)
	s.stwCond.Broadcast()
	s.mu.Unlock()

	w.slot.Store(nil)
	s.pushIdleWorker(w)
	w.park()
}

// StartTheWorld implements spec.md §4.5's resume half: apply any pending
// admission-cap change, release every GcStop slot (Idle, or bound to a
// freshly started worker if it has queued work), and wake the monitor.
func (s *Scheduler) StartTheWorld() {
	s.mu.Lock()
	if pending := s.maxProcsPending.Load(); pending >= 0 {
		s.applyMaxProcsLocked(int(pending))
		s.maxProcsPending.Store(-1)
	}
	s.stwRequested.Store(false)

	var toStart []*Slot
	for _, sl := range s.slots {
		if sl.Status() != SlotGCStop {
			continue
		}
		if sl.run.len() > 0 {
			toStart = append(toStart, sl)
		} else {
			sl.setStatus(SlotIdle)
			s.idleSlots = append(s.idleSlots, sl)
			s.idleSlotCount.Add(1)
		}
	}
	s.mu.Unlock()

	for _, sl := range toStart {
		s.startWorkerOn(sl)
	}

	capitan.Info(context.Background(), SignalStartTheWorld)
	s.wakeMonitor()
}

// applyMaxProcsLocked grows or shrinks the slot set. Requires s.mu held.
// Shrinking marks excess slots Dead rather than freeing them, since a
// worker may still be mid-syscall against one (spec.md §3's lifecycle).
func (s *Scheduler) applyMaxProcsLocked(n int) {
	n = clampSlots(n)

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	cur := len(s.slots)
	if n > cur {
		for i := cur; i < n; i++ {
			sl := newSlot(int32(i))
			sl.setStatus(SlotIdle)
			s.slots = append(s.slots, sl)
			s.idleSlots = append(s.idleSlots, sl)
			s.idleSlotCount.Add(1)
		}
	} else if n < cur {
		for i := n; i < cur; i++ {
			s.slots[i].setStatus(SlotDead)
		}
		kept := s.idleSlots[:0]
		for _, sl := range s.idleSlots {
			if sl.Status() == SlotDead {
				s.idleSlotCount.Add(-1)
				continue
			}
			kept = append(kept, sl)
		}
		s.idleSlots = kept
	}
	s.slotCount.Store(int32(n))
}

// SetMaxProcs changes the admission cap, taking effect at the next
// stop-the-world cycle — which this call itself triggers, so the new cap
// is visible to the caller as soon as it returns (spec.md §9's resolution
// of the admission-resize-mid-syscall open question).
func (s *Scheduler) SetMaxProcs(n int) int {
	prev := int(s.slotCount.Load())
	s.maxProcsPending.Store(int32(clampSlots(n)))
	s.StopTheWorld(nil)
	s.StartTheWorld()
	return prev
}
