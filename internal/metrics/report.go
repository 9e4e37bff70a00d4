package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StatsSource supplies the raw appointment and confirmation counts that
// the weekly report carries next to the job aggregates.
type StatsSource interface {
	AppointmentCountsByStatus(ctx context.Context, from, to time.Time) (map[string]int, error)
	ConfirmationCountsByStatus(ctx context.Context, from, to time.Time) (map[string]int, error)
}

// WeeklyReport is handed to the external report generator. It contains
// sums and percentages only; no further computation happens downstream.
type WeeklyReport struct {
	PeriodStart        time.Time      `json:"period_start"`
	PeriodEnd          time.Time      `json:"period_end"`
	Jobs               []Aggregate    `json:"jobs"`
	AppointmentCounts  map[string]int `json:"appointment_counts"`
	ConfirmationCounts map[string]int `json:"confirmation_counts"`
	ConfirmationRate   float64        `json:"confirmation_rate"`
}

// BuildWeeklyReport assembles the report for the week ending at `until`.
func (s *Service) BuildWeeklyReport(ctx context.Context, stats StatsSource, until time.Time) (*WeeklyReport, error) {
	end := dayStart(until)
	start := end.AddDate(0, 0, -7)

	jobs, err := s.Weekly(ctx, "", start, end)
	if err != nil {
		return nil, err
	}

	apptCounts, err := stats.AppointmentCountsByStatus(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("appointment counts: %w", err)
	}

	confCounts, err := stats.ConfirmationCountsByStatus(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("confirmation counts: %w", err)
	}

	responded := confCounts["confirmed"]
	total := 0
	for _, n := range confCounts {
		total += n
	}

	return &WeeklyReport{
		PeriodStart:        start,
		PeriodEnd:          end,
		Jobs:               jobs,
		AppointmentCounts:  apptCounts,
		ConfirmationCounts: confCounts,
		ConfirmationRate:   SuccessRate(responded, total),
	}, nil
}

// PgStats reads the raw counts straight from the engine's tables.
type PgStats struct {
	pool *pgxpool.Pool
}

func NewPgStats(pool *pgxpool.Pool) *PgStats {
	return &PgStats{pool: pool}
}

func (s *PgStats) AppointmentCountsByStatus(ctx context.Context, from, to time.Time) (map[string]int, error) {
	return s.countByStatus(ctx, `
		SELECT status, count(*)
		FROM appointments
		WHERE start_time >= $1 AND start_time < $2 AND deleted_at IS NULL
		GROUP BY status
	`, from, to)
}

func (s *PgStats) ConfirmationCountsByStatus(ctx context.Context, from, to time.Time) (map[string]int, error) {
	return s.countByStatus(ctx, `
		SELECT c.status, count(*)
		FROM confirmations c
		JOIN appointments a ON a.id = c.appointment_id
		WHERE a.start_time >= $1 AND a.start_time < $2 AND a.deleted_at IS NULL
		GROUP BY c.status
	`, from, to)
}

func (s *PgStats) countByStatus(ctx context.Context, query string, from, to time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
