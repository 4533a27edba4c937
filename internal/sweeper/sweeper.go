package sweeper

import (
	"context"
	"sync"
	"time"

	"authkernel/internal/logging"
	"authkernel/internal/monitoring"
)

// Job removes expired state older than now and reports how many rows it
// touched. Jobs run across all tenants.
type Job struct {
	Name string
	Run  func(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs its jobs on a fixed interval until stopped.
type Sweeper struct {
	jobs     []Job
	interval time.Duration
	metrics  *monitoring.Service
	logger   *logging.Logger
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func New(interval time.Duration, metrics *monitoring.Service, logger *logging.Logger, jobs ...Job) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sweeper{
		jobs:     jobs,
		interval: interval,
		metrics:  metrics,
		logger:   logger.WithComponent("sweeper"),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop started by Start and waits for an in-flight pass to
// finish. It may be called more than once.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// RunOnce runs every job once. A failing job is logged and does not stop
// the others.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int64 {
	now := s.now()
	results := make(map[string]int64, len(s.jobs))
	for _, job := range s.jobs {
		start := time.Now()
		n, err := job.Run(ctx, now)
		if err != nil {
			s.metrics.RecordError("sweep_" + job.Name)
			s.logger.ErrorEvent().Str("job", job.Name).Err(err).Msg("sweep failed")
			continue
		}
		results[job.Name] = n
		if n > 0 {
			s.logger.InfoEvent().
				Str("job", job.Name).
				Int64("removed", n).
				Dur("took", time.Since(start)).
				Msg("sweep completed")
		}
	}
	return results
}
