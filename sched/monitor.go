package sched

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
)

const (
	monitorMinSleep = 20 * time.Microsecond
	monitorMaxSleep = 10 * time.Millisecond
	netPollInterval = 10 * time.Millisecond
)

// runMonitor is the slotless maintenance loop named in spec.md §2 and
// §4.4: it retakes slots stuck in Syscall and drives the periodic network
// poll. Grounded on HackStrix's ticker-shaped orchestrator loop,
// generalized from a fixed interval to the spec's adaptive doubling
// sleep.
func (s *Scheduler) runMonitor() {
	sleep := monitorMinSleep
	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		ctx, span := s.tracer.StartSpan(context.Background(), SpanMonitorTick)
		progressed := s.retakeStuckSlots()
		s.maybeNetworkPoll()
		span.Finish()
		_ = ctx

		if progressed {
			sleep = monitorMinSleep
		} else if sleep *= 2; sleep > monitorMaxSleep {
			sleep = monitorMaxSleep
		}

		select {
		case <-s.shutdownCh:
			return
		case <-s.clock.After(sleep):
		case <-s.monitorWakeCh:
			sleep = monitorMinSleep
		}
	}
}

// wakeMonitor nudges the monitor to reset its adaptive sleep, called
// after starttheworld so retake/poll resumes promptly.
func (s *Scheduler) wakeMonitor() {
	select {
	case s.monitorWakeCh <- struct{}{}:
	default:
	}
}

// retakeStuckSlots implements spec.md §4.4's "Monitor retake": a slot
// that has sat in Syscall across one full monitor tick with no new
// EnterSyscall (tick unchanged) and with either queued work or no other
// source of parallelism is CASed back to Idle and handed off.
func (s *Scheduler) retakeStuckSlots() bool {
	s.slotsMu.Lock()
	slots := make([]*Slot, len(s.slots))
	copy(slots, s.slots)
	s.slotsMu.Unlock()

	retook := false
	for _, sl := range slots {
		if sl.Status() != SlotSyscall {
			delete(s.monitorLastTick, sl.ID())
			continue
		}

		cur := sl.tick.Load()
		last, seen := s.monitorLastTick[sl.ID()]
		s.monitorLastTick[sl.ID()] = cur
		if !seen || cur != last {
			continue // give a freshly-entered syscall one full tick of grace
		}

		needed := sl.run.len() > 0
		if !needed {
			s.mu.Lock()
			needed = s.spinning.Load() == 0 && len(s.idleWorkers) == 0
			s.mu.Unlock()
		}
		if !needed {
			continue
		}

		// The temporary locked counter prevents ExitSyscall's fast-path
		// CAS from racing this retake into a false deadlock reading.
		sl.lockedForRetake.Add(1)
		if sl.casStatus(SlotSyscall, SlotIdle) {
			s.metrics.Counter(MetricMonitorRetakes).Inc()
			capitan.Info(context.Background(), SignalSlotRetaken, FieldSlotID.Field(int(sl.ID())))
			s.hooks.Emit(context.Background(), HookSlotRetaken, SchedEvent{SlotID: sl.ID(), Reason: "monitor retake"}) //nolint:errcheck
			if sl.run.len() > 0 {
				s.startWorkerOn(sl)
			} else {
				s.pushIdleSlot(sl)
			}
			retook = true
		}
		sl.lockedForRetake.Add(-1)
	}
	return retook
}

// maybeNetworkPoll performs the monitor's periodic non-blocking poll once
// more than netPollInterval has elapsed since the last one (spec.md §4.7).
func (s *Scheduler) maybeNetworkPoll() {
	last := s.lastPoll.Load()
	now := s.clock.Now().UnixNano()
	if last != 0 && time.Duration(now-last) < netPollInterval {
		return
	}
	s.netPollInjectAll(false)
}
