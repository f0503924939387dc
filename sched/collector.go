package sched

// Collector is the garbage-collector collaborator named in spec.md §6.
// The scheduler calls its Notify after every completed stop-the-world;
// the barrier itself (Scheduler.StopTheWorld/StartTheWorld) and
// GCHelperCount are *Scheduler methods, not part of this interface.
// This module only needs the contract the scheduler hands out, not a
// real collector.
type Collector interface {
	// Notify runs after every completed stop-the-world so the collector
	// can do its root-scanning pass while every slot is quiescent.
	Notify(s *Scheduler)
}

// nopCollector satisfies Collector without doing real GC work, letting
// the scheduler run stand-alone.
type nopCollector struct{}

func (nopCollector) Notify(*Scheduler) {}

// markSweepCollector is a real consumer of the stop-the-world barrier:
// the scheduler invokes its Notify after every completed stop-the-world
// cycle, with every slot already quiescent, and it walks the task table
// exactly as a root-scanning pass would — every live task counts as
// "marked", every Dead task's bookkeeping entry is reclaimed from the
// table and counts as "swept" — then reports both counts through the
// metrics registry. There is no real heap here to sweep, but the wiring
// (collector reacting to the barrier, counters surfaced through
// metricz) is the same a real collector would use.
type markSweepCollector struct{}

// Notify runs once per completed stop-the-world cycle (spec.md §4.5's
// Cooperation clause), with every slot already quiescent.
func (markSweepCollector) Notify(s *Scheduler) {
	marked, swept := sweepDeadTasks(s)
	s.metrics.Gauge(MetricGCMarked).Set(float64(marked))
	s.metrics.Gauge(MetricGCSwept).Set(float64(swept))
}

// sweepDeadTasks counts live tasks as marked and deletes Dead ones from
// the task table, counting those as swept.
func sweepDeadTasks(s *Scheduler) (marked, swept int) {
	s.allTasksMu.Lock()
	defer s.allTasksMu.Unlock()
	for id, t := range s.allTasks {
		if t.Status() == TaskDead {
			delete(s.allTasks, id)
			swept++
		} else {
			marked++
		}
	}
	return marked, swept
}

// GCHelperCount returns how many workers the collector may recruit to
// assist a collection cycle, per spec.md §6's formula.
func (s *Scheduler) GCHelperCount(physicalCPUs, maxGCProc int) int {
	n := int(s.slotCount.Load())
	if physicalCPUs < n {
		n = physicalCPUs
	}
	if maxGCProc < n {
		n = maxGCProc
	}
	s.mu.Lock()
	idle := len(s.idleWorkers) + 1
	s.mu.Unlock()
	if idle < n {
		n = idle
	}
	if n < 0 {
		n = 0
	}
	return n
}
