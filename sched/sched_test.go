package sched_test

import (
	"testing"

	"github.com/arrost/kernel/sched"
)

func TestRoundRobin(t *testing.T) {
	t.Parallel()

	s := sched.New()

	var order []string

	run := func(name string) sched.Runnable {
		return func(t *sched.Task) sched.State {
			order = append(order, name)

			return sched.StateReady
		}
	}

	if _, err := s.Spawn("a", run("a")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Spawn("b", run("b")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		s.RunOnce(0)
	}

	want := []string{"a", "b", "a", "b"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}

	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestSleepingTaskPromotedOnDeadline(t *testing.T) {
	t.Parallel()

	s := sched.New()

	ran := 0

	pid, err := s.Spawn("sleeper", func(t *sched.Task) sched.State {
		ran++

		if !t.Started {
			t.UntilTick = 10

			return sched.StateSleeping
		}

		return sched.StateExited
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = pid

	// First slice: sleeps immediately (task starts Ready, runs once).
	s.RunOnce(0)

	if got := s.RunOnce(5); got != 0 {
		t.Fatalf("expected no task ready at tick 5, scheduler ran pid %d", got)
	}

	if got := s.RunOnce(10); got == 0 {
		t.Fatalf("expected sleeper promoted and run at tick 10")
	}

	task, err := s.Task(pid)
	if err != nil {
		t.Fatal(err)
	}

	if task.State != sched.StateExited {
		t.Fatalf("got state %v, want Exited", task.State)
	}
}

func TestSpawnRejectsFullTable(t *testing.T) {
	t.Parallel()

	s := sched.New()

	noop := func(t *sched.Task) sched.State { return sched.StateReady }

	for i := 0; i < sched.MaxTasks; i++ {
		if _, err := s.Spawn("t", noop); err != nil {
			t.Fatalf("unexpected error at task %d: %v", i, err)
		}
	}

	if _, err := s.Spawn("overflow", noop); err != sched.ErrTableFull {
		t.Fatalf("got %v, want ErrTableFull", err)
	}
}

func TestExitedReportsAllTasksDone(t *testing.T) {
	t.Parallel()

	s := sched.New()

	if s.Exited() {
		t.Fatal("empty scheduler should not report Exited")
	}

	if _, err := s.Spawn("a", func(t *sched.Task) sched.State { return sched.StateExited }); err != nil {
		t.Fatal(err)
	}

	s.RunOnce(0)

	if !s.Exited() {
		t.Fatal("expected Exited once the only task has exited")
	}
}
