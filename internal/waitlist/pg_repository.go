package waitlist

import (
	"context"
	"encoding/json"
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

const entryColumns = `id, clinic_id, kind, status, name, COALESCE(email, ''), COALESCE(phone, ''),
	service_type, preferences, priority, patient_id, current_appointment_at,
	move_forward_days, COALESCE(review_note, ''), added_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var prefs []byte

	err := row.Scan(
		&e.ID,
		&e.ClinicID,
		&e.Kind,
		&e.Status,
		&e.Name,
		&e.Email,
		&e.Phone,
		&e.ServiceType,
		&prefs,
		&e.Priority,
		&e.PatientID,
		&e.CurrentAppointmentAt,
		&e.MoveForwardDays,
		&e.ReviewNote,
		&e.AddedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &e.Preferences); err != nil {
			// Malformed JSON is a data error; surface it through
			// Validate rather than failing the whole read.
			e.Preferences = Preferences{}
			e.ReviewNote = fmt.Sprintf("unparseable preferences: %v", err)
		}
	}

	return &e, nil
}

func (r *PgRepository) Add(ctx context.Context, e *Entry) error {
	prefs, err := json.Marshal(e.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO waitlist_entries
			(id, clinic_id, kind, status, name, email, phone, service_type,
			 preferences, priority, patient_id, current_appointment_at,
			 move_forward_days, added_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8,
		        $9, $10, $11, $12, $13, $14, $14)
	`, e.ID, e.ClinicID, e.Kind, e.Status, e.Name, e.Email, e.Phone, e.ServiceType,
		prefs, e.Priority, e.PatientID, e.CurrentAppointmentAt,
		e.MoveForwardDays, e.AddedAt)
	if err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM waitlist_entries
		WHERE id = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM invitations i
		      WHERE i.entry_id = $1 AND i.status = 'sent'
		  )
	`, id)
	if err != nil {
		return fmt.Errorf("delete waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *PgRepository) List(ctx context.Context, f ListFilter) ([]Entry, error) {
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

	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE ($1::uuid IS NULL OR clinic_id = $1)
		  AND ($2 = '' OR kind = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY priority DESC, added_at
		LIMIT $4 OFFSET $5
	`, clinicID, string(f.Kind), string(f.Status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntries(rows)
}

func (r *PgRepository) ListEligible(ctx context.Context, clinicID uuid.UUID) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE clinic_id = $1
		  AND status IN ('waiting', 'active')
		ORDER BY priority DESC, added_at
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (r *PgRepository) UpdatePriority(ctx context.Context, id uuid.UUID, priority int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE waitlist_entries
		SET priority = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, priority)
	if err != nil {
		return fmt.Errorf("update waitlist priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
	`, id, to, fromStrs)
	if err != nil {
		return false, fmt.Errorf("update waitlist status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) FlagNeedsReview(ctx context.Context, id uuid.UUID, note string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'needs_review',
		    review_note = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('waiting', 'active')
	`, id, note)
	if err != nil {
		return fmt.Errorf("flag waitlist entry: %w", err)
	}
	return nil
}

func (r *PgRepository) SyncRecall(ctx context.Context, now time.Time, minLead time.Duration, moveForwardDays int) (int, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	// Refresh the current-appointment pointer on open recall entries.
	refreshTag, err := tx.Exec(ctx, `
		UPDATE waitlist_entries w
		SET current_appointment_at = next.start_time,
		    updated_at = $1
		FROM (
			SELECT DISTINCT ON (patient_id) patient_id, start_time
			FROM appointments
			WHERE deleted_at IS NULL
			  AND status IN ('pending', 'confirmed')
			  AND start_time > $1
			ORDER BY patient_id, start_time
		) next
		WHERE w.kind = 'recall'
		  AND w.status = 'active'
		  AND w.patient_id = next.patient_id
		  AND w.current_appointment_at IS DISTINCT FROM next.start_time
	`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("refresh recall entries: %w", err)
	}

	// Derive new recall entries for patients whose next visit is far
	// enough out to be worth advancing.
	insertTag, err := tx.Exec(ctx, `
		INSERT INTO waitlist_entries
			(id, clinic_id, kind, status, name, email, phone, service_type,
			 preferences, priority, patient_id, current_appointment_at,
			 move_forward_days, added_at, updated_at)
		SELECT gen_random_uuid(), next.clinic_id, 'recall', 'active',
		       p.name, p.email, p.phone, next.service_type,
		       '{}', 0, p.id, next.start_time, $3, $1, $1
		FROM (
			SELECT DISTINCT ON (patient_id)
			       patient_id, clinic_id, service_type, start_time
			FROM appointments
			WHERE deleted_at IS NULL
			  AND status IN ('pending', 'confirmed')
			  AND start_time > $2
			ORDER BY patient_id, start_time
		) next
		JOIN patients p ON p.id = next.patient_id
		WHERE NOT EXISTS (
			SELECT 1 FROM waitlist_entries w
			WHERE w.patient_id = next.patient_id
			  AND w.kind = 'recall'
			  AND w.status IN ('active', 'invited')
		)
	`, now, now.Add(minLead), moveForwardDays)
	if err != nil {
		return 0, 0, fmt.Errorf("derive recall entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}

	return int(insertTag.RowsAffected()), int(refreshTag.RowsAffected()), nil
}
