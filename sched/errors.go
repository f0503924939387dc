package sched

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zoobzio/capitan"
)

// SchedError wraps a scheduler diagnostic with the invariant or operation
// that produced it. Grounded on zoobzio-pipz's Error[T] (timestamp, wrapped
// cause, Unwrap support), adapted from a pipeline path to a scheduler
// invariant name.
type SchedError struct {
	Timestamp time.Time
	Op        string
	Err       error
}

func (e *SchedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SchedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrArgsTooLarge is returned by Spawn when the argument bytes would not
// fit in a fresh task's minimum stack minus the fixed reserve. This is
// category 2 in SPEC_FULL.md §7: fatal to the caller, not to the process.
var ErrArgsTooLarge = fmt.Errorf("sched: argument size exceeds minimum stack reserve")

// ErrIndexOutOfBounds is returned by operations addressing a slot or
// worker index outside the current pool.
var ErrIndexOutOfBounds = fmt.Errorf("sched: index out of bounds")

// Fatal reports a category-1 invariant breach (SPEC_FULL.md §7): it emits a
// structured capitan signal carrying the diagnostic, then terminates the
// process. Invariant breaches are never recovered locally — the runtime
// must not continue in a state it cannot account for.
func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	capitan.Error(context.Background(), SignalFatal,
		FieldDiagnostic.Field(msg),
	)
	fmt.Fprintln(os.Stderr, "fatal error:", msg)
	os.Exit(2)
}
