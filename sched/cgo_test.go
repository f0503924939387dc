package sched

import (
	"testing"
	"time"
)

// TestAdoptWorkerReleaseWorkerRoundTrip exercises spec.md §4.9: a
// "foreign" thread (here just the test goroutine, standing in for a cgo
// callback) adopts a worker record, gets bound to a free slot, and
// releasing it returns both the slot and the worker record for reuse.
func TestAdoptWorkerReleaseWorkerRoundTrip(t *testing.T) {
	s := NewScheduler(WithMaxProcs(2))
	defer s.Shutdown()

	before := s.Stats().IdleSlots

	w := s.AdoptWorker()
	if w == nil {
		t.Fatal("AdoptWorker returned nil")
	}
	if slot := w.slot.Load(); slot == nil {
		t.Fatal("adopted worker has no bound slot")
	}
	if got := s.Stats().ForeignCalls; got != 1 {
		t.Fatalf("Stats().ForeignCalls = %d, want 1 after one AdoptWorker", got)
	}

	s.ReleaseWorker(w)

	if !waitUntil(2*time.Second, func() bool { return s.Stats().IdleSlots == before }) {
		t.Fatal("slot never returned to the idle pool after ReleaseWorker")
	}

	// The free list must still have a spare record for the next adopter
	// (spec.md §4.9: "the invariant that the free list is never empty").
	w2 := s.AdoptWorker()
	if w2 == nil {
		t.Fatal("second AdoptWorker returned nil")
	}
	if got := s.Stats().ForeignCalls; got != 2 {
		t.Fatalf("Stats().ForeignCalls = %d, want 2 after two AdoptWorker calls", got)
	}
	s.ReleaseWorker(w2)
}

// TestBridgeDelegatesToScheduler confirms Scheduler.Bridge() returns a
// ForeignBridge that forwards to the scheduler's own adopt/release path.
func TestBridgeDelegatesToScheduler(t *testing.T) {
	s := NewScheduler(WithMaxProcs(1))
	defer s.Shutdown()

	b := s.Bridge()
	w := b.AdoptWorker()
	if w == nil {
		t.Fatal("Bridge().AdoptWorker() returned nil")
	}
	b.ReleaseWorker(w)
}
