package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleEveryRunsAndRejectsDuplicateName(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Stop() }()

	var calls atomic.Int64
	if err := s.ScheduleEvery("tick", 20*time.Millisecond, func() { calls.Add(1) }); err != nil {
		t.Fatalf("ScheduleEvery: %v", err)
	}
	if err := s.ScheduleEvery("tick", 20*time.Millisecond, func() {}); err == nil {
		t.Fatal("expected duplicate job name to be rejected")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("expected the interval job to have run at least once")
	}
}

func TestRemoveJobStopsFutureRuns(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Stop() }()

	var calls atomic.Int64
	if err := s.ScheduleEvery("removable", 20*time.Millisecond, func() { calls.Add(1) }); err != nil {
		t.Fatalf("ScheduleEvery: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	s.RemoveJob("removable")
	after := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() > after+1 {
		t.Fatalf("job kept running after removal: before=%d after=%d", after, calls.Load())
	}

	// Removing again, and removing an unknown name, must both be no-ops.
	s.RemoveJob("removable")
	s.RemoveJob("never-existed")
}
