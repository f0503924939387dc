// Command runsched-demo spawns a handful of tasks across a small slot
// count, exercises syscall hand-off and an admission resize, and prints
// the scheduler's stats as it goes — the same kind of end-to-end
// scenario toysched's step7 main() walked through, but driven through
// the real admit/suspend/park/steal state machine in package sched.
package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/runsched/runsched/sched"
)

func sampleWork(label string, steps int) sched.Func {
	return func(t *sched.Task) {
		fmt.Printf("  %s doing some work...\n", label)
		for i := 0; i < steps; i++ {
			time.Sleep(20 * time.Millisecond)
			fmt.Printf("    %s step %d\n", label, i+1)
			t.Yield()
		}
		fmt.Printf("%s is done\n", label)
	}
}

func blockingWork(label string) sched.Func {
	return func(t *sched.Task) {
		fmt.Printf("  %s entering syscall sim...\n", label)
		t.EnterSyscallBlocking()
		time.Sleep(100 * time.Millisecond) // simulated blocking I/O
		t.ExitSyscall()
		fmt.Printf("  %s resumed after syscall\n", label)
	}
}

func main() {
	fmt.Println("=== Starting runsched demo ===")

	s := sched.NewScheduler(sched.WithMaxProcs(2))

	var wg sync.WaitGroup
	wg.Add(3)
	wrap := func(fn sched.Func) sched.Func {
		return func(t *sched.Task) {
			defer wg.Done()
			fn(t)
		}
	}

	if _, err := s.Spawn(wrap(sampleWork("G0", 3)), nil); err != nil {
		fmt.Println("spawn G0 failed:", err)
	}
	if _, err := s.Spawn(wrap(sampleWork("G1", 3)), nil); err != nil {
		fmt.Println("spawn G1 failed:", err)
	}
	if _, err := s.Spawn(wrap(blockingWork("G2")), nil); err != nil {
		fmt.Println("spawn G2 failed:", err)
	}

	wg.Wait()
	fmt.Println(s)

	fmt.Println("=== Resizing admission cap to 4 ===")
	s.SetMaxProcs(4)
	fmt.Println(s)

	s.Shutdown()
	fmt.Println("=== Demo complete ===")
}
