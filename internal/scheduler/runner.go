// Package scheduler runs the engine's periodic jobs: independent tickers
// per job, with a Redis run lock so ticks of the same job never overlap,
// in-process or across replicas.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/metrics"
	redisclient "github.com/clinicops/automation-engine/internal/redis"
)

// Job is one periodic automation task. Run returns its per-item tallies;
// a returned error marks the whole run failed.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context, now time.Time) (metrics.Counts, error)
}

// FuncJob adapts a service method into a Job.
type FuncJob struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context, now time.Time) (metrics.Counts, error)
}

func NewJob(name string, interval time.Duration, fn func(ctx context.Context, now time.Time) (metrics.Counts, error)) *FuncJob {
	return &FuncJob{name: name, interval: interval, fn: fn}
}

func (j *FuncJob) Name() string            { return j.name }
func (j *FuncJob) Interval() time.Duration { return j.interval }
func (j *FuncJob) Run(ctx context.Context, now time.Time) (metrics.Counts, error) {
	return j.fn(ctx, now)
}

type Runner struct {
	locker     redisclient.Locker
	recorder   *metrics.Recorder
	runTimeout time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

func NewRunner(locker redisclient.Locker, recorder *metrics.Recorder, runTimeout time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		locker:     locker,
		recorder:   recorder,
		runTimeout: runTimeout,
		log:        log,
		now:        time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run drives every job until the context is cancelled. Each job gets its
// own goroutine and ticker; the first tick fires immediately.
func (r *Runner) Run(ctx context.Context, jobs []Job) {
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.loop(ctx, job)
		}(job)
	}

	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	r.log.Info().
		Str("job", job.Name()).
		Dur("interval", job.Interval()).
		Msg("job loop starting")

	r.RunOnce(ctx, job)

	ticker := time.NewTicker(job.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Str("job", job.Name()).Msg("job loop stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes a single tick under the job's run lock. A tick that
// cannot take the lock is booked as a failed run with zero items, so
// contention shows up in the metrics instead of vanishing.
func (r *Runner) RunOnce(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	err := r.locker.WithLock(runCtx, redisclient.JobKey(job.Name()), r.runTimeout, func(lockCtx context.Context) error {
		handle := r.recorder.Begin(lockCtx, job.Name())

		start := r.now()
		counts, runErr := job.Run(lockCtx, start)

		handle.Finish(lockCtx, counts, runErr)

		if runErr != nil {
			r.log.Error().Err(runErr).
				Str("job", job.Name()).
				Msg("job run failed")
		} else {
			r.log.Debug().
				Str("job", job.Name()).
				Dur("took", r.now().Sub(start)).
				Msg("job run complete")
		}
		return nil
	})

	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		r.recorder.RecordFailed(ctx, job.Name(), fmt.Errorf("tick skipped: %w", err))
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("job", job.Name()).Msg("job lock error")
	}
}
