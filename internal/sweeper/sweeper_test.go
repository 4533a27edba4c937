package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"authkernel/internal/monitoring"
)

func TestRunOnceIsolatesFailures(t *testing.T) {
	metrics := monitoring.NewService()
	var ran atomic.Int32
	s := New(time.Hour, metrics, nil,
		Job{Name: "broken", Run: func(context.Context, time.Time) (int64, error) {
			ran.Add(1)
			return 0, errors.New("store down")
		}},
		Job{Name: "codes", Run: func(context.Context, time.Time) (int64, error) {
			ran.Add(1)
			return 3, nil
		}},
	)

	results := s.RunOnce(context.Background())
	if ran.Load() != 2 {
		t.Fatalf("expected both jobs to run, got %d", ran.Load())
	}
	if results["codes"] != 3 {
		t.Errorf("codes result %d", results["codes"])
	}
	if _, ok := results["broken"]; ok {
		t.Error("failed job must not report a result")
	}
	if metrics.GetMetrics().ErrorCounts["sweep_broken"] != 1 {
		t.Error("failure not recorded")
	}
}

func TestJobsSeeSameNow(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var seen []time.Time
	record := func(_ context.Context, now time.Time) (int64, error) {
		seen = append(seen, now)
		return 0, nil
	}
	s := New(time.Hour, nil, nil, Job{Name: "a", Run: record}, Job{Name: "b", Run: record})
	s.now = func() time.Time { return fixed }
	s.RunOnce(context.Background())
	for _, now := range seen {
		if !now.Equal(fixed) {
			t.Fatalf("job saw %v, want %v", now, fixed)
		}
	}
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	runs := make(chan struct{}, 10)
	s := New(10*time.Millisecond, nil, nil, Job{Name: "tick", Run: func(context.Context, time.Time) (int64, error) {
		runs <- struct{}{}
		return 0, nil
	}})
	s.Start(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatalf("pass %d did not run", i)
		}
	}
	s.Stop()
	s.Stop()

	for len(runs) > 0 {
		<-runs
	}
	time.Sleep(30 * time.Millisecond)
	if len(runs) != 0 {
		t.Error("sweeper kept running after Stop")
	}
}
