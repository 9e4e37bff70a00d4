package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Service answers the dashboard's read queries over job runs.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) ListRuns(ctx context.Context, jobName string, from, to time.Time, limit int) ([]JobRun, error) {
	runs, err := s.repo.ListRuns(ctx, jobName, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return runs, nil
}

// Daily rolls runs into per-job day buckets (UTC days).
func (s *Service) Daily(ctx context.Context, jobName string, from, to time.Time) ([]Aggregate, error) {
	runs, err := s.repo.ListRuns(ctx, jobName, from, to, 0)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return rollup(runs, dayStart), nil
}

// Weekly rolls runs into per-job ISO-week buckets (Monday-start, UTC).
func (s *Service) Weekly(ctx context.Context, jobName string, from, to time.Time) ([]Aggregate, error) {
	runs, err := s.repo.ListRuns(ctx, jobName, from, to, 0)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return rollup(runs, weekStart), nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	// Weekday() has Sunday = 0; shift so weeks start on Monday.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

type bucketKey struct {
	job    string
	period time.Time
}

func rollup(runs []JobRun, bucket func(time.Time) time.Time) []Aggregate {
	byKey := make(map[bucketKey]*Aggregate)

	for _, run := range runs {
		key := bucketKey{job: run.JobName, period: bucket(run.StartedAt)}
		agg, ok := byKey[key]
		if !ok {
			agg = &Aggregate{JobName: run.JobName, PeriodStart: key.period}
			byKey[key] = agg
		}
		agg.Runs++
		if run.Status == RunFailed {
			agg.FailedRuns++
		}
		agg.Processed += run.Counts.Processed
		agg.Succeeded += run.Counts.Succeeded
		agg.Failed += run.Counts.Failed
	}

	result := make([]Aggregate, 0, len(byKey))
	for _, agg := range byKey {
		agg.SuccessRate = SuccessRate(agg.Succeeded, agg.Processed)
		result = append(result, *agg)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].JobName != result[j].JobName {
			return result[i].JobName < result[j].JobName
		}
		return result[i].PeriodStart.Before(result[j].PeriodStart)
	})

	return result
}
