package sched

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// SchedEvent is the payload type for the scheduler's public hookz
// extension points, mirroring zoobzio-pipz's BackoffEvent/RetryEvent
// shape (a plain struct carrying the fields an observer would want).
type SchedEvent struct {
	TaskID   int64
	WorkerID int32
	SlotID   int32
	Reason   string
}

// Hook keys for Scheduler.On*, grounded on zoobzio-pipz's hookz.Key
// declarations (signals.go) adapted to scheduler lifecycle events
// instead of pipeline connector events.
const (
	HookTaskExit    hookz.Key = "sched.task.exit"
	HookDeadlock    hookz.Key = "sched.deadlock"
	HookSlotRetaken hookz.Key = "sched.slot.retaken"
)

// Scheduler holds every piece of Global state named in spec.md §3. It is
// the root of the package: Task, Slot, and Worker only make sense bound
// to one.
type Scheduler struct {
	mu sync.Mutex // scheduler lock: global queues, free lists, idle pools, counters (spec.md §5)

	allTasksMu sync.Mutex
	allTasks   map[int64]*Task

	workersMu sync.Mutex
	workers   []*Worker

	idleWorkers []*Worker

	slotsMu sync.Mutex
	slots   []*Slot // index-stable; Dead slots remain present but excluded from scheduling
	idleSlots []*Slot

	global     globalQueue
	globalFree freeList

	nextTaskID atomic.Int64

	slotCount      atomic.Int32
	idleSlotCount  atomic.Int32
	spinning       atomic.Int32
	parkedForSlot  atomic.Int32
	lockedWorkers  atomic.Int32

	stwRequested atomic.Bool
	stopWait     atomic.Int32
	stwWakeCh    chan struct{}
	stwMu        sync.Mutex // serializes concurrent StopTheWorld callers
	stwCond      *sync.Cond

	monitorParked   atomic.Bool
	monitorWakeCh   chan struct{}
	monitorLastTick map[int32]int64 // monitor-goroutine-private, no lock needed

	lastPoll atomic.Int64 // unix nanos; 0 means claimed by an in-flight blocking poll

	maxProcsPending atomic.Int32 // pending resize, -1 = none

	clock     clockz.Clock
	metrics   *metricz.Registry
	tracer    *tracez.Tracer
	hooks     *hookz.Hooks[SchedEvent]
	netPoller NetPoller
	collector Collector
	mm        MemoryManager

	foreign *foreignPool

	entrySpawned atomic.Bool

	nextSteal atomic.Int64 // counter feeding the steal-victim PRNG seed

	foreignCalls atomic.Int64 // Stats()'s source of truth; metricz's MetricForeignCalls mirrors it for scrapers

	// Per-status live counts, updated on every Task.setStatus transition
	// so the corresponding metricz gauges reflect state as it changes
	// rather than only when something happens to call Stats().
	runnableCount atomic.Int64
	runningCount  atomic.Int64
	syscallCount  atomic.Int64
	waitingCount  atomic.Int64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithClock overrides the clock used for the monitor's adaptive sleep and
// syscall-retake tick comparisons, following zoobzio-pipz's WithClock
// functional-option idiom (backoff.go, workerpool.go) so tests can swap
// in clockz.NewFakeClock().
func WithClock(c clockz.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithNetPoller overrides the network-readiness collaborator.
func WithNetPoller(p NetPoller) Option {
	return func(s *Scheduler) { s.netPoller = p }
}

// WithCollector overrides the garbage-collector collaborator.
func WithCollector(c Collector) Option {
	return func(s *Scheduler) { s.collector = c }
}

// WithMemoryManager overrides the allocator collaborator.
func WithMemoryManager(m MemoryManager) Option {
	return func(s *Scheduler) { s.mm = m }
}

// WithMaxProcs sets the initial slot count, overriding the MAXPROCS
// environment variable.
func WithMaxProcs(n int) Option {
	return func(s *Scheduler) { s.slotCount.Store(int32(clampSlots(n))) }
}

// NewScheduler constructs a scheduler with MaxProcs slots (from MAXPROCS
// if unset) and starts its monitor. Workers are created on demand.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		allTasks:      make(map[int64]*Task),
		stwWakeCh:     make(chan struct{}, 1),
		monitorWakeCh: make(chan struct{}, 1),
		shutdownCh:      make(chan struct{}),
		clock:           clockz.RealClock,
		monitorLastTick: make(map[int32]int64),
	}
	s.stwCond = sync.NewCond(&s.mu)
	s.slotCount.Store(int32(maxProcsFromEnv(4)))
	s.maxProcsPending.Store(-1)

	for _, o := range opts {
		o(s)
	}

	// lastPoll's zero value doubles as the "claimed" sentinel (see
	// claimBlockingPoll), so it must be seeded with a real timestamp here —
	// otherwise the very first claim attempt finds it already 0 and never
	// succeeds until some unrelated poll happens to return results.
	s.lastPoll.Store(s.clock.Now().UnixNano())

	s.metrics, s.tracer = newObservability()
	s.hooks = hookz.New[SchedEvent]()
	if s.netPoller == nil {
		s.netPoller = newTimerNetPoller(s.clock)
	}
	if s.collector == nil {
		s.collector = &nopCollector{}
	}
	if s.mm == nil {
		s.mm = nopMemoryManager{}
	}
	s.foreign = newForeignPool(s)

	n := int(s.slotCount.Load())
	s.slots = make([]*Slot, 0, n)
	for i := 0; i < n; i++ {
		sl := newSlot(int32(i))
		s.slots = append(s.slots, sl)
		s.idleSlots = append(s.idleSlots, sl)
	}
	s.idleSlotCount.Store(int32(n))

	go s.runMonitor()

	return s
}

// NumTasks returns the number of live (non-Dead) tasks, the Go-runtime
// NumGoroutine analog named in SPEC_FULL.md §11.
func (s *Scheduler) NumTasks() int {
	s.allTasksMu.Lock()
	defer s.allTasksMu.Unlock()
	n := 0
	for _, t := range s.allTasks {
		if t.Status() != TaskDead {
			n++
		}
	}
	return n
}

// Stats is a synchronous snapshot of the Observable counters named in
// spec.md §6.
type Stats struct {
	Runnable, Running, Syscall, Waiting int
	Workers, SpinningWorkers, IdleWorkers int
	IdleSlots, SlotCount                 int
	ForeignCalls                         int
}

// Stats returns a point-in-time snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	var st Stats
	s.allTasksMu.Lock()
	for _, t := range s.allTasks {
		switch t.Status() {
		case TaskRunnable:
			st.Runnable++
		case TaskRunning:
			st.Running++
		case TaskSyscall:
			st.Syscall++
		case TaskWaiting:
			st.Waiting++
		}
	}
	s.allTasksMu.Unlock()

	s.workersMu.Lock()
	st.Workers = len(s.workers)
	s.workersMu.Unlock()

	st.SpinningWorkers = int(s.spinning.Load())
	st.IdleWorkers = len(s.idleWorkers)
	st.IdleSlots = int(s.idleSlotCount.Load())
	st.SlotCount = int(s.slotCount.Load())
	st.ForeignCalls = int(s.foreignCalls.Load())
	return st
}

// Metrics returns the metricz registry holding the live gauges and
// counters declared in observability.go, for scraping between Stats()
// calls.
func (s *Scheduler) Metrics() *metricz.Registry { return s.metrics }

// observeTaskStatus is called from Task.setStatus on every transition so
// the per-status metricz gauges track live state directly, rather than
// only being correct at the moment something happens to call Stats().
func (s *Scheduler) observeTaskStatus(from, to TaskStatus) {
	if from == to {
		return
	}
	s.adjustStatusCount(from, -1)
	s.adjustStatusCount(to, 1)
}

func (s *Scheduler) adjustStatusCount(st TaskStatus, delta int64) {
	switch st {
	case TaskRunnable:
		s.metrics.Gauge(MetricRunnableTasks).Set(float64(s.runnableCount.Add(delta)))
	case TaskRunning:
		s.metrics.Gauge(MetricRunningTasks).Set(float64(s.runningCount.Add(delta)))
	case TaskSyscall:
		s.metrics.Gauge(MetricSyscallTasks).Set(float64(s.syscallCount.Add(delta)))
	case TaskWaiting:
		s.metrics.Gauge(MetricWaitingTasks).Set(float64(s.waitingCount.Add(delta)))
	}
}

// OnTaskExit registers a handler invoked when any task finishes or
// panics, following zoobzio-pipz's OnAttempt/OnExhausted hookz
// wiring pattern.
func (s *Scheduler) OnTaskExit(h func(context.Context, SchedEvent) error) (hookz.HookID, error) {
	return s.hooks.Hook(HookTaskExit, h)
}

// OnDeadlock registers a handler invoked just before the process exits
// due to deadlock detection (§4.8). The handler runs best-effort; the
// process still exits immediately after.
func (s *Scheduler) OnDeadlock(h func(context.Context, SchedEvent) error) (hookz.HookID, error) {
	return s.hooks.Hook(HookDeadlock, h)
}

// OnSlotRetaken registers a handler invoked when the monitor retakes a
// slot from a stuck syscall (§4.4).
func (s *Scheduler) OnSlotRetaken(h func(context.Context, SchedEvent) error) (hookz.HookID, error) {
	return s.hooks.Hook(HookSlotRetaken, h)
}

// Shutdown stops the monitor and releases background goroutines. It does
// not forcibly terminate in-flight tasks; callers should arrange their
// own cancellation (e.g. via context passed through task args).
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// Ready transitions a parked task Waiting -> Runnable and enqueues it
// globally, the only legal way to wake a task per spec.md §3's "reachable
// only via some external wake source" invariant. A no-op if the task is
// not currently Waiting (spec.md §8: "repeated ready calls on a Runnable
// task are no-ops").
func (s *Scheduler) Ready(t *Task) {
	if !t.casStatus(TaskWaiting, TaskRunnable) {
		return
	}
	s.admitRunnable(t)
}

// acquireTask obtains a task struct — ideally from a free cache — and
// seeds it to run fn(args) as a background task if background is set.
//
// Every acquired task, fresh or recycled, gets a new id from the
// monotonic generator; a recycled task's entry under its old id is
// dropped. The task is (re-)inserted into s.allTasks under the new id
// because the collector's sweep (sweepDeadTasks) deletes every Dead
// task's id from s.allTasks, including ones still sitting in a free cache
// waiting for reuse. Skipping the insert here would leave a reused task
// permanently absent from s.allTasks, breaking Stats(), NumTasks() and
// the deadlock detector's live-task scan.
func (s *Scheduler) acquireTask(slot *Slot, fn Func, args []byte, background bool) *Task {
	var t *Task
	if slot != nil {
		t = slot.acquireFree(s)
	}
	id := s.nextTaskID.Add(1)
	s.allTasksMu.Lock()
	if t == nil {
		t = newTask(s, id)
	} else {
		delete(s.allTasks, t.id)
		t.id = id
	}
	s.allTasks[t.id] = t
	s.allTasksMu.Unlock()
	t.reset(fn, args, background)
	return t
}

// Spawn creates a new task from outside any running task (e.g. process
// bootstrap, or a call from ordinary non-scheduler code). Since there is
// no "current slot" in that context, the task is distributed round-robin
// across slots (spec.md §4.2 only defines behavior relative to "the
// current slot"; round-robin is this module's extension for the
// external-caller case).
func (s *Scheduler) Spawn(fn Func, args []byte) (*Task, error) {
	if len(args) > minStackSize-minStackReserve {
		return nil, ErrArgsTooLarge
	}

	// The very first task the scheduler ever sees plays the role of the
	// real runtime's bootstrap goroutine, which an M is already running by
	// the time anyone could spawn anything else — there is no "existing
	// worker" for maybeWake's idle-slot-plus-spinner race to coordinate
	// with yet, so this path starts a worker unconditionally instead of
	// racing to poke one into existence (spec.md §4.2's parenthetical:
	// "and the new task is not the process's entry task").
	isEntry := !s.entrySpawned.Swap(true)

	var slot *Slot
	if isEntry {
		slot = s.popIdleSlot()
		if slot == nil {
			Fatal("Spawn: no slot available to run the entry task")
		}
	} else {
		slot = s.pickSlotRoundRobin()
	}

	t := s.acquireTask(slot, fn, args, false)
	t.start()
	slot.run.push(t)
	s.emitSpawned(t)

	if isEntry {
		s.startWorkerOn(slot)
	} else {
		s.maybeWake()
	}
	return t, nil
}

// Spawn creates a task from within a running task's own entry function,
// pushing it onto the caller's current slot's local ring — the exact
// behavior spec.md §4.2 describes.
func (t *Task) Spawn(fn Func, args []byte) (*Task, error) {
	s := t.sched
	if len(args) > minStackSize-minStackReserve {
		return nil, ErrArgsTooLarge
	}
	slot := t.runningOn.Load()
	if slot == nil {
		return s.Spawn(fn, args)
	}
	nt := s.acquireTask(slot, fn, args, false)
	nt.start()
	slot.run.push(nt)
	s.emitSpawned(nt)
	s.maybeWake()
	return nt, nil
}

func (s *Scheduler) emitSpawned(t *Task) {
	capitan.Info(context.Background(), SignalTaskSpawned, FieldTaskID.Field(int(t.id)))
	s.metrics.Gauge(MetricLiveTasks).Set(float64(s.NumTasks()))
}

// SlotByID returns the slot at the given index for external
// introspection (diagnostics), or ErrIndexOutOfBounds if id does not name a configured slot.
func (s *Scheduler) SlotByID(id int32) (*Slot, error) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	if id < 0 || int(id) >= len(s.slots) {
		return nil, ErrIndexOutOfBounds
	}
	return s.slots[id], nil
}

func (s *Scheduler) pickSlotRoundRobin() *Slot {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	n := int64(len(s.slots))
	if n == 0 {
		Fatal("pickSlotRoundRobin: no slots configured")
	}
	idx := s.nextSteal.Add(1) % n
	for i := int64(0); i < n; i++ {
		sl := s.slots[(idx+i)%n]
		if sl.Status() != SlotDead {
			return sl
		}
	}
	Fatal("pickSlotRoundRobin: no live slots")
	return nil
}

func (s *Scheduler) retireTask(slot *Slot, t *Task) {
	s.hooks.Emit(context.Background(), HookTaskExit, SchedEvent{TaskID: t.id, SlotID: slot.ID()}) //nolint:errcheck
	slot.releaseFree(s, t)
	s.metrics.Gauge(MetricLiveTasks).Set(float64(s.NumTasks()))
}

func (s *Scheduler) String() string {
	st := s.Stats()
	return fmt.Sprintf("sched{slots=%d idle=%d workers=%d spinning=%d runnable=%d running=%d syscall=%d waiting=%d}",
		st.SlotCount, st.IdleSlots, st.Workers, st.SpinningWorkers, st.Runnable, st.Running, st.Syscall, st.Waiting)
}

var _ = rand.Int // silence unused import if rnd helpers move; real use is in scheduler_loop.go
