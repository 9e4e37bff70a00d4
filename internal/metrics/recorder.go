package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder books job runs around scheduler ticks.
type Recorder struct {
	repo Repository
	log  zerolog.Logger
	now  func() time.Time
}

func NewRecorder(repo Repository, log zerolog.Logger) *Recorder {
	return &Recorder{repo: repo, log: log, now: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// RunHandle is one in-flight job run.
type RunHandle struct {
	recorder *Recorder
	ID       uuid.UUID
	JobName  string
}

// Begin opens a run record. If the insert itself fails the run proceeds
// anyway; metrics must never take the job down.
func (r *Recorder) Begin(ctx context.Context, jobName string) *RunHandle {
	run := &JobRun{
		ID:        uuid.New(),
		JobName:   jobName,
		StartedAt: r.now(),
		Status:    RunRunning,
	}

	if err := r.repo.InsertRun(ctx, run); err != nil {
		r.log.Error().Err(err).Str("job", jobName).Msg("insert job run")
	}

	return &RunHandle{recorder: r, ID: run.ID, JobName: jobName}
}

// Finish finalizes the run. runErr marks the whole run failed; per-item
// failures belong in counts and keep the run completed.
func (h *RunHandle) Finish(ctx context.Context, counts Counts, runErr error) {
	status := RunCompleted
	note := ""
	if runErr != nil {
		status = RunFailed
		note = runErr.Error()
	}

	counts = counts.Normalize()

	if err := h.recorder.repo.FinalizeRun(ctx, h.ID, h.recorder.now(), counts, status, note); err != nil {
		h.recorder.log.Error().Err(err).Str("job", h.JobName).Msg("finalize job run")
	}

	h.recorder.log.Info().
		Str("job", h.JobName).
		Int("processed", counts.Processed).
		Int("succeeded", counts.Succeeded).
		Int("failed", counts.Failed).
		Str("status", string(status)).
		Msg("job run finished")
}

// RecordFailed books a run that never got to process anything, e.g. a tick
// that could not take its run lock.
func (r *Recorder) RecordFailed(ctx context.Context, jobName string, runErr error) {
	h := r.Begin(ctx, jobName)
	h.Finish(ctx, Counts{}, runErr)
}
