package sched

import (
	"fmt"
	"sync/atomic"
)

// TaskStatus is one of the states named in spec.md §3.
type TaskStatus int32

const (
	TaskIdle TaskStatus = iota
	TaskRunnable
	TaskRunning
	TaskSyscall
	TaskWaiting
	TaskDead
)

func (s TaskStatus) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	case TaskSyscall:
		return "syscall"
	case TaskWaiting:
		return "waiting"
	case TaskDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Func is a task's entry descriptor: the function a task runs, given a
// handle back to itself so it can call the suspension primitives (Yield,
// Park, EnterSyscall/ExitSyscall, Defer). Go has no per-goroutine local
// storage, so the handle is threaded explicitly — the same idiom
// context.Context uses for per-call state.
type Func func(t *Task)

type eventKind int

const (
	evYield eventKind = iota
	evPark
	evSyscallRetry // ExitSyscall slow path found no idle slot; task went dormant
	evDone
	evPanic
)

type taskEvent struct {
	kind  eventKind
	panic any
}

// Task is a lightweight unit of cooperative execution (spec.md §3). Its
// "own stack and saved register context" is realized as a dedicated Go
// goroutine gated by a resume/yield channel handshake: the goroutine
// blocks on resumeCh until a worker schedules it, and reports back on
// yieldCh the moment it hits a suspension point. This is the only way to
// give a task a real, independently-resumable call stack without cgo or
// assembly. A reused Task therefore gets a new goroutine (see reset).
type Task struct {
	id         int64
	status     atomic.Int32
	fn         Func
	args       []byte
	background bool
	waitReason atomic.Value // string
	pinned     atomic.Pointer[Worker]
	next       *Task // run-queue / free-cache link, guarded by the owning queue's lock
	sched      *Scheduler

	// runningOn is the slot currently driving this task, set for the
	// duration of each dispatch so Task.Spawn can push new tasks onto the
	// caller's own local ring (spec.md §4.2). It remains set across an
	// EnterSyscall/ExitSyscall excursion (the task keeps "owning" whatever
	// slot it currently holds, even while that slot is mid-handoff).
	runningOn atomic.Pointer[Slot]

	// syscallWorker remembers which worker was driving this task when it
	// called EnterSyscall, so ExitSyscall's fast path can rebind the same
	// worker to the same slot (spec.md §4.4).
	syscallWorker atomic.Pointer[Worker]

	resumeCh chan struct{}
	yieldCh  chan taskEvent
	unlockFn func() bool // pre-park unlock function, set by Park

	defers []func()

	started atomic.Bool
}

func newTask(s *Scheduler, id int64) *Task {
	t := &Task{
		id:       id,
		sched:    s,
		resumeCh: make(chan struct{}, 1),
		yieldCh:  make(chan taskEvent, 1),
	}
	t.status.Store(int32(TaskIdle))
	return t
}

// Status returns the task's current status.
func (t *Task) Status() TaskStatus { return TaskStatus(t.status.Load()) }

// setStatus transitions the task's status and reports the transition to
// the scheduler's live per-status gauges (observability.go's
// MetricRunnableTasks/MetricRunningTasks/MetricSyscallTasks/
// MetricWaitingTasks), so those gauges track real state changes instead
// of only being accurate when something happens to call Stats().
func (t *Task) setStatus(s TaskStatus) {
	old := TaskStatus(t.status.Swap(int32(s)))
	if t.sched != nil {
		t.sched.observeTaskStatus(old, s)
	}
}

// casStatus is setStatus's compare-and-swap counterpart, used by the
// network-poller injection paths and Ready to transition a task out of
// TaskWaiting only if nothing else already moved it. Reports the same
// gauge transition setStatus does when the swap succeeds.
func (t *Task) casStatus(from, to TaskStatus) bool {
	ok := t.status.CompareAndSwap(int32(from), int32(to))
	if ok && t.sched != nil {
		t.sched.observeTaskStatus(from, to)
	}
	return ok
}

// ID returns the task's monotonically increasing identity.
func (t *Task) ID() int64 { return t.id }

// WaitReason returns the diagnostic string set by the most recent Park.
func (t *Task) WaitReason() string {
	if v, ok := t.waitReason.Load().(string); ok {
		return v
	}
	return ""
}

// Background reports whether this task is excluded from deadlock
// accounting (spec.md §3).
func (t *Task) Background() bool { return t.background }

// Defer registers a cleanup to run, LIFO, at task completion or panic
// (spec.md §3, §7 category 4).
func (t *Task) Defer(fn func()) {
	t.defers = append(t.defers, fn)
}

// reset prepares a free-cached task for reuse with a new entry and
// argument bytes, under a fresh goroutine. The Task struct and its
// channels are reused; the underlying goroutine is not, since Go offers
// no API to repurpose a blocked goroutine's stack for a different entry
// point, so a reused task does not keep its previous stack.
func (t *Task) reset(fn Func, args []byte, background bool) {
	t.fn = fn
	t.args = args
	t.background = background
	t.next = nil
	t.defers = nil
	t.unlockFn = nil
	t.pinned.Store(nil)
	t.runningOn.Store(nil)
	t.syscallWorker.Store(nil)
	t.waitReason.Store("")
	t.setStatus(TaskRunnable)
	t.started.Store(false)
	// Drain any stale signal from a previous lifecycle (defensive; under
	// correct use these channels are empty here).
	select {
	case <-t.resumeCh:
	default:
	}
	select {
	case <-t.yieldCh:
	default:
	}
}

// start launches the task's backing goroutine. Called once, the first
// time a fresh or reused Task is given an entry point; it marks the task
// started so runTaskOnWorker's lazy start does not launch a second one.
func (t *Task) start() {
	t.started.Store(true)
	go t.bootstrap()
}

func (t *Task) bootstrap() {
	<-t.resumeCh
	t.runBody()
}

func (t *Task) runBody() {
	var panicVal any
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
		}()
		t.setStatus(TaskRunning)
		t.fn(t)
	}()

	// Run deferred cleanups LIFO. A cleanup cannot stop a pending panic:
	// it has already been recovered above, so recover() inside a cleanup
	// returns nil, and the panic is still reported once every cleanup has
	// run.
	for i := len(t.defers) - 1; i >= 0; i-- {
		cleanup := t.defers[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					// A cleanup itself panicking replaces the pending panic.
					panicVal = r
				}
			}()
			cleanup()
		}()
	}

	t.setStatus(TaskDead)
	if panicVal != nil {
		t.yieldCh <- taskEvent{kind: evPanic, panic: panicVal}
		return
	}
	t.yieldCh <- taskEvent{kind: evDone}
}

// Yield transitions Running -> Runnable and immediately enqueues the
// task on the global queue (spec.md Glossary), then blocks until some
// worker resumes it. Must be called from within the task's own entry
// function.
func (t *Task) Yield() {
	t.setStatus(TaskRunnable)
	t.yieldCh <- taskEvent{kind: evYield}
	<-t.resumeCh
	t.setStatus(TaskRunning)
}

// Park transitions Running -> Waiting, optionally running unlock on the
// scheduler stack before the task is considered parked (spec.md §4.3's
// "suspension contract"). The task is not enqueued anywhere; it is
// reachable only through an external Ready call (spec.md §3 invariant).
func (t *Task) Park(reason string, unlock func() bool) {
	t.waitReason.Store(reason)
	t.unlockFn = unlock
	t.setStatus(TaskWaiting)
	t.yieldCh <- taskEvent{kind: evPark}
	<-t.resumeCh
	t.setStatus(TaskRunning)
}

// Gosched is the package-level spelling of Task.Yield, named after
// runtime.Gosched for callers used to that call shape. Go has no
// goroutine-local storage to recover "the current task" from nothing,
// so the task must still be passed explicitly.
func Gosched(t *Task) { t.Yield() }

// String implements fmt.Stringer for diagnostics.
func (t *Task) String() string {
	return fmt.Sprintf("task#%d[%s]", t.id, t.Status())
}
