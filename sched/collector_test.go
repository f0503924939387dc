package sched

import (
	"sync"
	"testing"
	"time"
)

// TestMarkSweepCollectorReclaimsDeadTasks confirms markSweepCollector
// (spec.md §6's Collector) actually reclaims finished tasks from the
// scheduler's task table on each stop-the-world cycle it is notified of.
func TestMarkSweepCollectorReclaimsDeadTasks(t *testing.T) {
	s := NewScheduler(WithMaxProcs(2), WithCollector(markSweepCollector{}))
	defer s.Shutdown()

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		_, err := s.Spawn(func(task *Task) {
			defer wg.Done()
		}, nil)
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	waitTimeout(t, &wg, 2*time.Second)

	if !waitUntil(2*time.Second, func() bool {
		s.allTasksMu.Lock()
		n := len(s.allTasks)
		s.allTasksMu.Unlock()
		return n == 5
	}) {
		t.Fatal("finished tasks never reached the task table")
	}

	s.StopTheWorld(nil)
	s.StartTheWorld()

	s.allTasksMu.Lock()
	remaining := len(s.allTasks)
	s.allTasksMu.Unlock()
	if remaining != 0 {
		t.Fatalf("allTasks has %d entries after a mark-sweep cycle, want 0", remaining)
	}
}

// TestSweptTaskReappearsOnReuse confirms that a task recycled from a
// free cache after a mark-sweep cycle is re-registered in s.allTasks
// rather than staying permanently absent: acquireTask must re-insert it
// on reuse since sweepDeadTasks already deleted its old entry.
func TestSweptTaskReappearsOnReuse(t *testing.T) {
	s := NewScheduler(WithMaxProcs(1), WithCollector(markSweepCollector{}))
	defer s.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	_, err := s.Spawn(func(task *Task) {
		defer wg.Done()
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitTimeout(t, &wg, 2*time.Second)

	if !waitUntil(2*time.Second, func() bool {
		s.allTasksMu.Lock()
		n := len(s.allTasks)
		s.allTasksMu.Unlock()
		return n == 1
	}) {
		t.Fatal("finished task never reached the task table")
	}

	s.StopTheWorld(nil)
	s.StartTheWorld()

	s.allTasksMu.Lock()
	remaining := len(s.allTasks)
	s.allTasksMu.Unlock()
	if remaining != 0 {
		t.Fatalf("allTasks has %d entries after sweep, want 0", remaining)
	}

	wg.Add(1)
	if _, err := s.Spawn(func(task *Task) {
		defer wg.Done()
	}, nil); err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	waitTimeout(t, &wg, 2*time.Second)

	if !waitUntil(2*time.Second, func() bool {
		s.allTasksMu.Lock()
		n := len(s.allTasks)
		s.allTasksMu.Unlock()
		return n == 1
	}) {
		t.Fatal("reused task was never re-registered in allTasks after being swept")
	}
}
