package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("job run not found")

// Repository persists job runs. Runs are never updated after
// finalization.
type Repository interface {
	InsertRun(ctx context.Context, run *JobRun) error
	FinalizeRun(ctx context.Context, id uuid.UUID, completedAt time.Time, counts Counts, status RunStatus, note string) error
	// ListRuns filters by job name ("" for all) and started_at range.
	// Zero from/to are open bounds; limit <= 0 returns everything, which
	// the rollup relies on.
	ListRuns(ctx context.Context, jobName string, from, to time.Time, limit int) ([]JobRun, error)
}
