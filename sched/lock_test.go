package sched

import (
	"sync"
	"testing"
	"time"
)

// TestPinRoutesDirectlyToWorker exercises spec.md §4.6: a pinned task's
// Ready call routes straight to its pinned worker rather than through the
// global queue, and only that worker ever runs it again.
func TestPinRoutesDirectlyToWorker(t *testing.T) {
	s := NewScheduler(WithMaxProcs(2))
	defer s.Shutdown()

	var pinnedTask *Task
	var firstWorker int32 = -1
	parked := make(chan struct{})
	resumed := make(chan struct{})

	_, err := s.Spawn(func(task *Task) {
		task.Pin()
		pinnedTask = task
		firstWorker = task.runningOn.Load().boundWorker().ID()
		task.Park("pin test", func() bool {
			close(parked)
			return true
		})
		// Resumed: must still be on the same worker.
		if got := task.runningOn.Load().boundWorker().ID(); got != firstWorker {
			t.Errorf("resumed on worker %d, want pinned worker %d", got, firstWorker)
		}
		task.Unpin()
		close(resumed)
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatal("task never reached parked state")
	}

	s.Ready(pinnedTask)

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("pinned task never resumed")
	}
}

// TestPinnedCountsAgainstDeadlock confirms Pin's bookkeeping is visible
// through lockedWorkers (spec.md §4.8's "locked workers are subtracted").
func TestPinnedCountsAgainstDeadlock(t *testing.T) {
	s := NewScheduler(WithMaxProcs(1))
	defer s.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	_, err := s.Spawn(func(task *Task) {
		defer wg.Done()
		task.Pin()
		if !task.Pinned() {
			t.Error("Pinned() = false after Pin()")
		}
		task.Unpin()
		if task.Pinned() {
			t.Error("Pinned() = true after Unpin()")
		}
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitTimeout(t, &wg, 2*time.Second)

	if got := s.lockedWorkers.Load(); got != 0 {
		t.Fatalf("lockedWorkers = %d after Unpin, want 0", got)
	}
}

// TestPinnedTaskSuspensionFreesSlot exercises spec.md §4.6's "the worker
// releases its slot via hand-off and parks": with only a single admitted
// slot, a pinned task sitting parked must not starve every other task of
// that slot until it resumes.
func TestPinnedTaskSuspensionFreesSlot(t *testing.T) {
	s := NewScheduler(WithMaxProcs(1))
	defer s.Shutdown()

	parked := make(chan struct{})
	release := make(chan struct{})
	var pinnedTask *Task

	_, err := s.Spawn(func(task *Task) {
		task.Pin()
		pinnedTask = task
		task.Park("pin-slot-release test", func() bool {
			close(parked)
			return true
		})
		<-release
		task.Unpin()
	}, nil)
	if err != nil {
		t.Fatalf("spawn pinned: %v", err)
	}
	<-parked

	other := make(chan struct{})
	_, err = s.Spawn(func(*Task) { close(other) }, nil)
	if err != nil {
		t.Fatalf("spawn other: %v", err)
	}

	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("other task never ran; pinned worker held the only slot hostage while parked")
	}

	close(release)
	s.Ready(pinnedTask)
	waitUntil(2*time.Second, func() bool { return pinnedTask.Status() == TaskDead })
}
