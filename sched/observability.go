package sched

import (
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Signal, metric, and span keys for the scheduler, declared package-wide
// the way zoobzio-pipz's signals.go declares its connector keys. capitan
// carries discrete named events (this is the scheduler's logging
// substrate); metricz carries the "Observable counters" surface from
// SPEC_FULL.md §6; tracez brackets the stop-the-world barrier and the
// monitor's retake decision.
const (
	SignalFatal            capitan.Signal = "sched.fatal"
	SignalDeadlock         capitan.Signal = "sched.deadlock"
	SignalWorkerParked     capitan.Signal = "sched.worker.parked"
	SignalWorkerUnparked   capitan.Signal = "sched.worker.unparked"
	SignalSlotRetaken      capitan.Signal = "sched.slot.retaken"
	SignalStopTheWorld     capitan.Signal = "sched.stw.start"
	SignalStartTheWorld    capitan.Signal = "sched.stw.stop"
	SignalTaskSpawned      capitan.Signal = "sched.task.spawned"
	SignalForeignAdopted   capitan.Signal = "sched.foreign.adopted"
	SignalForeignReleased  capitan.Signal = "sched.foreign.released"
)

var (
	FieldDiagnostic = capitan.NewStringKey("diagnostic")
	FieldTaskID     = capitan.NewIntKey("task_id")
	FieldSlotID     = capitan.NewIntKey("slot_id")
	FieldWorkerID   = capitan.NewIntKey("worker_id")
	FieldReason     = capitan.NewStringKey("reason")
)

// Metric keys, grounded on zoobzio-pipz's backoff.go Counter/Gauge
// declarations.
const (
	MetricRunnableTasks  = metricz.Key("sched.tasks.runnable")
	MetricRunningTasks   = metricz.Key("sched.tasks.running")
	MetricSyscallTasks   = metricz.Key("sched.tasks.syscall")
	MetricWaitingTasks   = metricz.Key("sched.tasks.waiting")
	MetricLiveTasks      = metricz.Key("sched.tasks.live")
	MetricWorkers        = metricz.Key("sched.workers")
	MetricSpinning       = metricz.Key("sched.workers.spinning")
	MetricIdleWorkers    = metricz.Key("sched.workers.idle")
	MetricIdleSlots      = metricz.Key("sched.slots.idle")
	MetricStealAttempts  = metricz.Key("sched.steal.attempts")
	MetricStealSuccesses = metricz.Key("sched.steal.successes")
	MetricMonitorRetakes = metricz.Key("sched.monitor.retakes")
	MetricForeignCalls   = metricz.Key("sched.foreign.calls")
	MetricGCMarked       = metricz.Key("sched.gc.marked")
	MetricGCSwept        = metricz.Key("sched.gc.swept")
)

const (
	SpanStopTheWorld tracez.Key = "sched.stw"
	SpanMonitorTick  tracez.Key = "sched.monitor.tick"
)

// newObservability wires up a fresh metrics registry and tracer and
// registers every counter/gauge this package emits, following
// zoobzio-pipz's NewBackoff-style "declare then register" pattern.
func newObservability() (*metricz.Registry, *tracez.Tracer) {
	m := metricz.New()
	m.Gauge(MetricRunnableTasks)
	m.Gauge(MetricRunningTasks)
	m.Gauge(MetricSyscallTasks)
	m.Gauge(MetricWaitingTasks)
	m.Gauge(MetricLiveTasks)
	m.Gauge(MetricWorkers)
	m.Gauge(MetricSpinning)
	m.Gauge(MetricIdleWorkers)
	m.Gauge(MetricIdleSlots)
	m.Counter(MetricStealAttempts)
	m.Counter(MetricStealSuccesses)
	m.Counter(MetricMonitorRetakes)
	m.Counter(MetricForeignCalls)
	m.Gauge(MetricGCMarked)
	m.Gauge(MetricGCSwept)
	return m, tracez.New()
}
