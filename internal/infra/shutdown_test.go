package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoordinatorPhaseOrder(t *testing.T) {
	c := NewCoordinator(5*time.Second, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	c.Add("db", PhaseConnections, record("db"))
	c.Add("deliverer", PhaseServices, record("deliverer"))
	c.Add("adapters", PhaseDrain, record("adapters"))

	results := c.Shutdown(context.Background(), "test")
	want := []string{"adapters", "deliverer", "db"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
	if len(results) != 3 || c.Reason() != "test" || !c.Stopping() {
		t.Errorf("results = %+v reason = %q", results, c.Reason())
	}
}

func TestCoordinatorStepsInPhaseRunConcurrently(t *testing.T) {
	c := NewCoordinator(5*time.Second, nil)
	var current, peak int32
	for i := 0; i < 3; i++ {
		c.Add("step", PhaseServices, func(context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})
	}
	c.Shutdown(context.Background(), "test")
	if peak < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak)
	}
}

func TestCoordinatorStepTimeoutAndErrors(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	boom := errors.New("boom")
	c.AddWithTimeout("slow", PhaseDrain, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	c.Add("broken", PhaseServices, func(context.Context) error { return boom })

	results := c.Shutdown(context.Background(), "test")
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("slow step error = %v, want deadline exceeded", results[0].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("broken step error = %v", results[1].Err)
	}
}

func TestCoordinatorTriggerRunsOnce(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	var calls int32
	c.Add("once", PhaseServices, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	c.Trigger("http")
	c.Trigger("signal")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	c.Shutdown(context.Background(), "again")
	if calls != 1 {
		t.Errorf("step ran %d times", calls)
	}
	if r := c.Reason(); r != "http" && r != "signal" {
		t.Errorf("Reason() = %q", r)
	}
}
