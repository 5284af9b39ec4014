package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRunsOnce(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	if !s.Schedule("m1", 10*time.Millisecond, func() { fired.Add(1) }) {
		t.Fatalf("first Schedule refused")
	}
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestScheduleRefusesDuplicateKey(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	if !s.Schedule("m1", 50*time.Millisecond, func() { fired.Add(1) }) {
		t.Fatalf("first Schedule refused")
	}
	if s.Schedule("m1", time.Millisecond, func() { fired.Add(1) }) {
		t.Fatalf("duplicate Schedule accepted")
	}
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestScheduleAllowsRescheduleAfterFire(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan struct{})
	if !s.Schedule("m1", time.Millisecond, func() { close(done) }) {
		t.Fatalf("first Schedule refused")
	}
	<-done
	if !s.Schedule("m1", time.Millisecond, func() {}) {
		t.Fatalf("Schedule refused after previous timer fired")
	}
}

func TestCancelSuppressesCallback(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("m1", 20*time.Millisecond, func() { fired.Add(1) })
	if !s.Cancel("m1") {
		t.Fatalf("Cancel reported nothing pending")
	}
	if s.Cancel("m1") {
		t.Fatalf("second Cancel reported a pending timer")
	}
	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("callback ran %d times after cancel", got)
	}
}

func TestStopCancelsPendingAndRefusesNew(t *testing.T) {
	s := New()

	var fired atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("b", 20*time.Millisecond, func() { fired.Add(1) })
	s.Stop()
	if s.Schedule("c", time.Millisecond, func() { fired.Add(1) }) {
		t.Fatalf("Schedule accepted after Stop")
	}
	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("callbacks ran %d times after Stop", got)
	}
}
