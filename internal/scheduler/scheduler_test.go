package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"erp-bridge/internal/clock"
)

type fakeEnqueuer struct {
	mu      sync.Mutex
	calls   []string
	owners  []string
	pending bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, opType, ownerID string, _ map[string]any, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opType)
	f.owners = append(f.owners, ownerID)
	return "job-1", nil
}

func (f *fakeEnqueuer) HasPending(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeEnqueuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSchedulerEnqueuesOnTick(t *testing.T) {
	enq := &fakeEnqueuer{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(enq, "auto-sync", map[string]time.Duration{"sync.orders": time.Minute}, clk, zerolog.Nop())

	s.Start()
	defer s.Stop()
	time.Sleep(20 * time.Millisecond) // let the tick loop install its ticker

	deadline := time.Now().Add(2 * time.Second)
	for enq.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no refresh enqueued after the interval elapsed")
		}
		clk.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}

	enq.mu.Lock()
	defer enq.mu.Unlock()
	if enq.calls[0] != "sync.orders" {
		t.Fatalf("enqueued %q, want sync.orders", enq.calls[0])
	}
	if enq.owners[0] != "auto-sync" {
		t.Fatalf("owner = %q, want the scheduler identity", enq.owners[0])
	}
}

// A tick is skipped while a job of the same type is already queued or
// running.
func TestSchedulerSkipsWhenPending(t *testing.T) {
	enq := &fakeEnqueuer{pending: true}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(enq, "auto-sync", map[string]time.Duration{"sync.customers": time.Minute}, clk, zerolog.Nop())

	s.Start()
	defer s.Stop()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}
	if n := enq.callCount(); n != 0 {
		t.Fatalf("enqueued %d refreshes while one was pending, want 0", n)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	enq := &fakeEnqueuer{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(enq, "auto-sync", map[string]time.Duration{"sync.orders": time.Minute}, clk, zerolog.Nop())

	if s.Status().Running {
		t.Fatal("scheduler reports running before start")
	}
	s.Start()
	s.Start()
	if !s.Status().Running {
		t.Fatal("scheduler not running after start")
	}
	s.Stop()
	s.Stop()
	if s.Status().Running {
		t.Fatal("scheduler still running after stop")
	}

	status := s.Status()
	if status.Intervals["sync.orders"] != time.Minute {
		t.Fatalf("intervals = %v", status.Intervals)
	}
}

// A zero interval disables that type without affecting the others.
func TestSchedulerIgnoresDisabledTypes(t *testing.T) {
	enq := &fakeEnqueuer{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(enq, "auto-sync", map[string]time.Duration{
		"sync.orders": 0,
		"sync.prices": time.Minute,
	}, clk, zerolog.Nop())

	s.Start()
	defer s.Stop()
	time.Sleep(20 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for enq.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("enabled type never ticked")
		}
		clk.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}
	enq.mu.Lock()
	defer enq.mu.Unlock()
	for _, opType := range enq.calls {
		if opType == "sync.orders" {
			t.Fatal("disabled type was enqueued")
		}
	}
}
