package sched

import (
	"sync"
	"time"

	"testing"

	"github.com/zoobzio/clockz"
)

// TestSyscallFastPathNoop mirrors spec.md §8: "Entersyscall followed by
// exitsyscall with a free slot is a no-op on global queues and counters."
// A fake clock keeps the monitor from ever ticking during the test, so
// nothing but the task itself can touch the slot in between.
func TestSyscallFastPathNoop(t *testing.T) {
	clock := clockz.NewFakeClock()
	s := NewScheduler(WithMaxProcs(2), WithClock(clock))
	defer s.Shutdown()

	before := s.Stats()

	var wg sync.WaitGroup
	wg.Add(1)
	_, err := s.Spawn(func(task *Task) {
		defer wg.Done()
		task.EnterSyscall()
		if got := task.Status(); got != TaskSyscall {
			t.Errorf("status during syscall = %v, want %v", got, TaskSyscall)
		}
		task.ExitSyscall()
		if got := task.Status(); got != TaskRunning {
			t.Errorf("status after exitsyscall = %v, want %v", got, TaskRunning)
		}
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitTimeout(t, &wg, 5*time.Second)

	if !waitUntil(5*time.Second, func() bool { return s.NumTasks() == 0 }) {
		t.Fatalf("NumTasks() = %d, want 0 after task exit", s.NumTasks())
	}

	after := s.Stats()
	if after.SlotCount != before.SlotCount {
		t.Fatalf("SlotCount changed: %d -> %d", before.SlotCount, after.SlotCount)
	}
	if after.IdleSlots != before.IdleSlots {
		t.Fatalf("IdleSlots changed: %d -> %d", before.IdleSlots, after.IdleSlots)
	}
}

// TestMonitorRetake mirrors spec.md §8 scenario 4: with slotCount=2,
// spawn 3 tasks that each enter a ~100ms simulated syscall; the monitor
// must retake at least one slot so all 3 complete well inside 250ms
// despite there being only 2 slots.
func TestMonitorRetake(t *testing.T) {
	s := NewScheduler(WithMaxProcs(2))
	defer s.Shutdown()

	const syscallDur = 100 * time.Millisecond
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		_, err := s.Spawn(func(task *Task) {
			defer wg.Done()
			task.EnterSyscall()
			time.Sleep(syscallDur)
			task.ExitSyscall()
		}, nil)
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	waitTimeout(t, &wg, 2*time.Second)
	if elapsed := time.Since(start); elapsed >= 250*time.Millisecond {
		t.Fatalf("elapsed %v, want < 250ms (monitor should have retaken the stuck slot)", elapsed)
	}
}

// TestEnterSyscallBlockingHandsOffImmediately exercises spec.md §4.4's
// blocking-hint variant: the freed slot should be usable by a queued
// task right away, without waiting on the monitor at all.
func TestEnterSyscallBlockingHandsOffImmediately(t *testing.T) {
	s := NewScheduler(WithMaxProcs(1))
	defer s.Shutdown()

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	_, err := s.Spawn(func(task *Task) {
		defer wg.Done()
		task.EnterSyscallBlocking()
		<-release
		task.ExitSyscall()
	}, nil)
	if err != nil {
		t.Fatalf("spawn first: %v", err)
	}

	second := make(chan struct{})
	_, err = s.Spawn(func(task *Task) {
		defer wg.Done()
		close(second)
	}, nil)
	if err != nil {
		t.Fatalf("spawn second: %v", err)
	}

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second task never ran; EnterSyscallBlocking did not hand off its slot")
	}
	close(release)
	waitTimeout(t, &wg, 2*time.Second)
}
