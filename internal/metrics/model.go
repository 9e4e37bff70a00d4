package metrics

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// JobRun is one execution of a scheduled automation job. Rows are
// append-only: created at start, finalized once at completion.
type JobRun struct {
	ID          uuid.UUID
	JobName     string
	StartedAt   time.Time
	CompletedAt *time.Time
	Counts      Counts
	Status      RunStatus
	Note        string
}

// Counts are the per-run item tallies. Succeeded+Failed never exceeds
// Processed; items that turned out to be no-ops count as processed only.
type Counts struct {
	Processed int
	Succeeded int
	Failed    int
}

func (c *Counts) Add(other Counts) {
	c.Processed += other.Processed
	c.Succeeded += other.Succeeded
	c.Failed += other.Failed
}

// Normalize repairs a tally that would violate the accounting invariant.
func (c Counts) Normalize() Counts {
	if c.Processed < 0 {
		c.Processed = 0
	}
	if c.Succeeded < 0 {
		c.Succeeded = 0
	}
	if c.Failed < 0 {
		c.Failed = 0
	}
	if c.Succeeded+c.Failed > c.Processed {
		c.Processed = c.Succeeded + c.Failed
	}
	return c
}

// Aggregate is a per-job rollup over one period (a day or an ISO week).
type Aggregate struct {
	JobName     string    `json:"job_name"`
	PeriodStart time.Time `json:"period_start"`
	Runs        int       `json:"runs"`
	FailedRuns  int       `json:"failed_runs"`
	Processed   int       `json:"items_processed"`
	Succeeded   int       `json:"items_success"`
	Failed      int       `json:"items_failed"`
	SuccessRate float64   `json:"success_rate"`
}

// SuccessRate computes succeeded/processed with an explicit zero branch so
// an idle period reports 0, never NaN.
func SuccessRate(succeeded, processed int) float64 {
	if processed == 0 {
		return 0
	}
	return float64(succeeded) / float64(processed)
}
