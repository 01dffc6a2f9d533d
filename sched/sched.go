// Package sched implements the cooperative scheduler (spec §4.10,
// C18): a fixed task table, a round-robin cursor, and the
// Ready/Sleeping/Exited state machine spec §9 models as a tagged
// variant.
//
// Grounded on gokvm's single-vCPU run loop (machine.RunData's "one
// vCPU runs until it traps, the host resumes it next" shape): here a
// Task is that same unit of cooperative execution, except the trap is
// a syscall and the host is this scheduler instead of KVM.
package sched

import "errors"

// MaxTasks bounds the fixed task table (spec §6 "Configuration knobs").
const MaxTasks = 32

// State is the sum-of-states a task can be in (spec §3, §9).
type State int

const (
	// StateFree marks a task-table slot with no task installed.
	StateFree State = iota
	StateReady
	StateSleeping
	StateExited
)

// Errors the scheduler can return.
var (
	ErrTableFull  = errors.New("sched: task table full")
	ErrNoSuchTask = errors.New("sched: no such pid")
)

// Runnable is the body a task runs; it returns the next state the task
// should move to after this slice (spec §9: "a single dispatcher that
// owns the table and a per-task step counter").
type Runnable func(t *Task) State

// Task is one entry of the fixed task table (spec §3).
type Task struct {
	PID   int
	Name  string
	State State

	UntilTick uint64 // valid when State == StateSleeping
	ExitCode  int    // valid when State == StateExited

	Started bool
	Step    uint64

	LineBuffer []byte

	run Runnable
}

// Scheduler owns the task table and the round-robin cursor (spec §3
// "the scheduler table is owned by the scheduler").
type Scheduler struct {
	tasks   [MaxTasks]Task
	cursor  int
	nextPID int
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Spawn installs a new task in the first free slot and returns its
// pid, or ErrTableFull if the table has no room.
func (s *Scheduler) Spawn(name string, run Runnable) (int, error) {
	for i := range s.tasks {
		if s.tasks[i].State == StateFree {
			s.nextPID++
			s.tasks[i] = Task{PID: s.nextPID, Name: name, State: StateReady, run: run}

			return s.nextPID, nil
		}
	}

	return 0, ErrTableFull
}

// Task returns a pointer to the live task with the given pid, for
// syscall handlers that need to mutate it mid-slice (e.g. to record a
// sleep deadline).
func (s *Scheduler) Task(pid int) (*Task, error) {
	for i := range s.tasks {
		if s.tasks[i].State != StateFree && s.tasks[i].PID == pid {
			return &s.tasks[i], nil
		}
	}

	return nil, ErrNoSuchTask
}

// RunOnce performs one scheduling step (spec §4.10):
//  1. promote sleepers whose deadline is reached;
//  2. advance the round-robin cursor and run the first Ready task found.
//
// It returns the pid it ran, or 0 if no task was ready.
func (s *Scheduler) RunOnce(now uint64) int {
	for i := range s.tasks {
		if s.tasks[i].State == StateSleeping && now >= s.tasks[i].UntilTick {
			s.tasks[i].State = StateReady
		}
	}

	for n := 0; n < MaxTasks; n++ {
		idx := (s.cursor + n) % MaxTasks

		t := &s.tasks[idx]
		if t.State != StateReady {
			continue
		}

		s.cursor = (idx + 1) % MaxTasks
		t.Step++

		t.State = t.run(t)
		t.Started = true

		return t.PID
	}

	return 0
}

// Exited reports whether every installed task has exited (used by the
// boot sequencer to decide when the run loop is done).
func (s *Scheduler) Exited() bool {
	any := false

	for i := range s.tasks {
		if s.tasks[i].State == StateFree {
			continue
		}

		any = true

		if s.tasks[i].State != StateExited {
			return false
		}
	}

	return any
}
