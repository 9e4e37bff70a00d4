package confirmation

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

func (r *PgRepository) CreateForAppointment(ctx context.Context, appointmentID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO confirmations (appointment_id, status, created_at, updated_at)
		VALUES ($1, 'unconfirmed', $2, $2)
		ON CONFLICT (appointment_id) DO NOTHING
	`, appointmentID, at)
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

func (r *PgRepository) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Confirmation, error) {
	var c Confirmation
	var respondedAt *time.Time

	err := r.pool.QueryRow(ctx, `
		SELECT appointment_id, status, responded_at, created_at, updated_at
		FROM confirmations
		WHERE appointment_id = $1
	`, appointmentID).Scan(&c.AppointmentID, &c.Status, &respondedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfirmationNotFound
		}
		return nil, err
	}

	c.RespondedAt = respondedAt
	return &c, nil
}

func (r *PgRepository) FindDue(ctx context.Context, tierName string, tier, finer time.Duration, now time.Time, limit int) ([]DueReminder, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.pool.Query(ctx, `
		SELECT a.id, p.id, p.name, COALESCE(p.email, ''), COALESCE(p.phone, ''), a.start_time
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.deleted_at IS NULL
		  AND a.status IN ('pending', 'confirmed')
		  AND a.start_time > $1
		  AND a.start_time <= $2
		  AND NOT EXISTS (
		      SELECT 1 FROM reminder_sends rs
		      WHERE rs.appointment_id = a.id AND rs.tier = $3
		  )
		ORDER BY a.start_time
		LIMIT $4
	`, now.Add(finer), now.Add(tier), tierName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DueReminder
	for rows.Next() {
		var d DueReminder
		if err := rows.Scan(&d.AppointmentID, &d.PatientID, &d.PatientName, &d.Email, &d.Phone, &d.StartTime); err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ClaimTier(ctx context.Context, appointmentID uuid.UUID, tierName string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO reminder_sends (appointment_id, tier, sent_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (appointment_id, tier) DO NOTHING
	`, appointmentID, tierName, at)
	if err != nil {
		return false, fmt.Errorf("claim reminder tier: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ListSends(ctx context.Context, appointmentID uuid.UUID) ([]ReminderSend, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT appointment_id, tier, sent_at
		FROM reminder_sends
		WHERE appointment_id = $1
		ORDER BY sent_at
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ReminderSend
	for rows.Next() {
		var s ReminderSend
		if err := rows.Scan(&s.AppointmentID, &s.Tier, &s.SentAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}

	return result, rows.Err()
}

func (r *PgRepository) RecordResponse(ctx context.Context, appointmentID uuid.UUID, to Status, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE confirmations
		SET status = $2,
		    responded_at = $3,
		    updated_at = $3
		WHERE appointment_id = $1
		  AND status = 'unconfirmed'
	`, appointmentID, to, at)
	if err != nil {
		return false, fmt.Errorf("record confirmation response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
