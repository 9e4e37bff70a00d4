package appointment

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

const appointmentColumns = `id, clinic_id, patient_id, service_type, start_time, duration_mins, status, created_at, updated_at, deleted_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var durationMins int
	var deletedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.PatientID,
		&a.ServiceType,
		&a.StartTime,
		&durationMins,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Duration = time.Duration(durationMins) * time.Minute
	a.DeletedAt = deletedAt
	return &a, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email, phone *string

	err := row.Scan(
		&p.ID,
		&p.ClinicID,
		&p.Name,
		&email,
		&phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	p.Phone = phone
	return &p, nil
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, clinic_id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments
			(id, clinic_id, patient_id, service_type, start_time, duration_mins, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, a.ID, a.ClinicID, a.PatientID, a.ServiceType, a.StartTime,
		int(a.Duration/time.Minute), a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Appointment, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		  AND deleted_at IS NULL
		RETURNING `+appointmentColumns+`
	`, id, to, fromStrs)

	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var clinicID *uuid.UUID
	if f.ClinicID != uuid.Nil {
		clinicID = &f.ClinicID
	}
	var from, to *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE deleted_at IS NULL
		  AND ($1::uuid IS NULL OR clinic_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR start_time >= $3)
		  AND ($4::timestamptz IS NULL OR start_time < $4)
		ORDER BY start_time
		LIMIT $5 OFFSET $6
	`, clinicID, string(f.Status), from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET deleted_at = $2,
		    updated_at = $2
		WHERE id = $1
		  AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
