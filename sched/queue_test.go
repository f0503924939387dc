package sched

import "testing"

// testSchedLocalQueue mirrors spec.md §8 scenario 2: push/pop i copies of
// a distinguishable task through a capacity-1 ring (forcing repeated
// grow), expecting strict FIFO order and a final empty pop to return nil.
func TestSchedLocalQueue(t *testing.T) {
	r := newLocalRing(1)
	const n = 1000
	tasks := make([]*Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = &Task{id: int64(i)}
		for j := 0; j < i; j++ {
			r.push(tasks[i])
		}
		for j := 0; j < i; j++ {
			got := r.popFront()
			if got != tasks[i] {
				t.Fatalf("pop %d of copy %d: got %v, want task #%d", j, i, got, i)
			}
		}
	}
	if got := r.popFront(); got != nil {
		t.Fatalf("pop on drained ring: got %v, want nil", got)
	}
}

// TestSchedLocalQueueFIFOBatch pushes a full batch before popping, proving
// order survives independent of the capacity-1 push/pop interleaving
// above.
func TestSchedLocalQueueFIFOBatch(t *testing.T) {
	r := newLocalRing(4)
	const n = 1000
	tasks := make([]*Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = &Task{id: int64(i)}
		r.push(tasks[i])
	}
	for i := 0; i < n; i++ {
		got := r.popFront()
		if got != tasks[i] {
			t.Fatalf("pop %d: got %v, want task #%d", i, got, i)
		}
	}
	if got := r.popFront(); got != nil {
		t.Fatalf("pop on drained ring: got %v, want nil", got)
	}
}

// TestSchedLocalQueueWraparound exercises head-at-capacity-1/tail-at-0
// wraparound explicitly (spec.md §8 boundary behavior).
func TestSchedLocalQueueWraparound(t *testing.T) {
	r := newLocalRing(4)
	a, b, c := &Task{id: 1}, &Task{id: 2}, &Task{id: 3}
	r.push(a)
	r.push(b)
	r.popFront() // head now at index 1
	r.popFront() // head now at index 2
	r.push(c)
	d := &Task{id: 4}
	r.push(d) // fills index 3, so tail wraps back to 0
	e := &Task{id: 5} // lands at index 0, behind head
	r.push(e)

	want := []*Task{c, d, e}
	for i, w := range want {
		if got := r.popFront(); got != w {
			t.Fatalf("pop %d: got %v, want %v", i, got, w)
		}
	}
}

// TestSchedLocalQueueGrow confirms grow preserves order and every task
// (spec.md §8: "Grow of the local ring preserves order and all tasks").
func TestSchedLocalQueueGrow(t *testing.T) {
	r := newLocalRing(2)
	tasks := make([]*Task, 10)
	for i := range tasks {
		tasks[i] = &Task{id: int64(i)}
		r.push(tasks[i])
	}
	if r.len() != len(tasks) {
		t.Fatalf("len = %d, want %d", r.len(), len(tasks))
	}
	for i, want := range tasks {
		if got := r.popFront(); got != want {
			t.Fatalf("pop %d: got %v, want %v", i, got, want)
		}
	}
}

// testSchedLocalQueueSteal mirrors spec.md §8 scenario 3: p1 receives i
// items, a single steal from p2 (empty) ... actually the scenario steals
// from p1 into p2; here p1 is the victim. A steal of s items plus
// draining both rings must visit each task exactly once, with s within
// one of floor(i/2).
func TestSchedLocalQueueSteal(t *testing.T) {
	for _, i := range []int{0, 1, 2, 3, 4, 5, 10, 63, 64, 65, 1000} {
		p1 := newLocalRing(DefaultRingCapacity)
		p2 := newLocalRing(DefaultRingCapacity)

		tasks := make([]*Task, i)
		sig := make([]int, i)
		for j := 0; j < i; j++ {
			tasks[j] = &Task{id: int64(j)}
			p1.push(tasks[j])
		}

		s := stealHalf(p1, p2)

		half := i / 2
		if i > 0 && (s < half || s > half+1) {
			t.Fatalf("i=%d: stole %d, want in [%d,%d]", i, s, half, half+1)
		}
		if i == 0 && s != 0 {
			t.Fatalf("i=0: stole %d, want 0", s)
		}

		for {
			task := p2.popFront()
			if task == nil {
				break
			}
			sig[task.id]++
		}
		for {
			task := p1.popFront()
			if task == nil {
				break
			}
			sig[task.id]++
		}

		sum := 0
		for j, c := range sig {
			if c != 1 {
				t.Fatalf("i=%d: task #%d visited %d times, want 1", i, j, c)
			}
			sum += c
		}
		if sum != i {
			t.Fatalf("i=%d: visited %d tasks total, want %d", i, sum, i)
		}
	}
}

// TestSchedLocalQueueStealOne confirms stealing from a victim holding
// exactly one task returns that task without reordering anything else
// (spec.md §8 boundary behavior).
func TestSchedLocalQueueStealOne(t *testing.T) {
	p1 := newLocalRing(DefaultRingCapacity)
	p2 := newLocalRing(DefaultRingCapacity)
	only := &Task{id: 42}
	p1.push(only)

	if n := stealHalf(p1, p2); n != 1 {
		t.Fatalf("stole %d, want 1", n)
	}
	if got := p2.popFront(); got != only {
		t.Fatalf("p2 got %v, want %v", got, only)
	}
	if p1.len() != 0 {
		t.Fatalf("p1.len() = %d, want 0", p1.len())
	}
}

func TestGlobalQueueFIFO(t *testing.T) {
	var q globalQueue
	const n = 100
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = &Task{id: int64(i)}
		q.push(tasks[i])
	}
	if q.size != n {
		t.Fatalf("size = %d, want %d", q.size, n)
	}
	for i, want := range tasks {
		if got := q.pop(); got != want {
			t.Fatalf("pop %d: got %v, want %v", i, got, want)
		}
	}
	if got := q.pop(); got != nil {
		t.Fatalf("pop on drained queue: got %v, want nil", got)
	}
}

func TestGlobalQueuePopBatch(t *testing.T) {
	var q globalQueue
	for i := 0; i < 10; i++ {
		q.push(&Task{id: int64(i)})
	}
	batch := q.popBatch(4)
	if len(batch) != 4 {
		t.Fatalf("len(batch) = %d, want 4", len(batch))
	}
	if q.size != 6 {
		t.Fatalf("size = %d, want 6", q.size)
	}
	rest := q.popBatch(100)
	if len(rest) != 6 {
		t.Fatalf("len(rest) = %d, want 6", len(rest))
	}
}

func TestFreeListPushPopBatch(t *testing.T) {
	var f freeList
	for i := 0; i < 5; i++ {
		f.push(&Task{id: int64(i)})
	}
	if f.count != 5 {
		t.Fatalf("count = %d, want 5", f.count)
	}
	batch := f.popBatch(3)
	if len(batch) != 3 || f.count != 2 {
		t.Fatalf("popBatch(3): got %d items, count=%d, want 3 items, count=2", len(batch), f.count)
	}
}
