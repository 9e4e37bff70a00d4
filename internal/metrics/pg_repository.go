package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanRun(row pgx.Row) (*JobRun, error) {
	var r JobRun
	var completedAt *time.Time

	err := row.Scan(
		&r.ID,
		&r.JobName,
		&r.StartedAt,
		&completedAt,
		&r.Counts.Processed,
		&r.Counts.Succeeded,
		&r.Counts.Failed,
		&r.Status,
		&r.Note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	r.CompletedAt = completedAt
	return &r, nil
}

func (r *PgRepository) InsertRun(ctx context.Context, run *JobRun) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO automation_job_runs
			(id, job_name, started_at, items_processed, items_success, items_failed, status, note)
		VALUES ($1, $2, $3, 0, 0, 0, $4, '')
	`, run.ID, run.JobName, run.StartedAt, run.Status)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

func (r *PgRepository) FinalizeRun(ctx context.Context, id uuid.UUID, completedAt time.Time, counts Counts, status RunStatus, note string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE automation_job_runs
		SET completed_at = $2,
		    items_processed = $3,
		    items_success = $4,
		    items_failed = $5,
		    status = $6,
		    note = $7
		WHERE id = $1
		  AND completed_at IS NULL
	`, id, completedAt, counts.Processed, counts.Succeeded, counts.Failed, status, note)
	if err != nil {
		return fmt.Errorf("finalize job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *PgRepository) ListRuns(ctx context.Context, jobName string, from, to time.Time, limit int) ([]JobRun, error) {
	// Zero bounds are open ends; a non-positive limit means unbounded.
	// The rollup reads whole periods and must never see a truncated
	// prefix, LIMIT NULL keeps that path uncapped.
	var fromArg, toArg *time.Time
	if !from.IsZero() {
		fromArg = &from
	}
	if !to.IsZero() {
		toArg = &to
	}
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, job_name, started_at, completed_at,
		       items_processed, items_success, items_failed, status, note
		FROM automation_job_runs
		WHERE ($1 = '' OR job_name = $1)
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		  AND ($3::timestamptz IS NULL OR started_at < $3)
		ORDER BY started_at
		LIMIT $4
	`, jobName, fromArg, toArg, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
