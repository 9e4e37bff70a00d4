package invitation

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

const slotColumns = `id, appointment_id, clinic_id, service_type, start_time, duration_mins, freed_at, round, claimed_by, closed_at`

func scanSlot(row pgx.Row) (*FreedSlot, error) {
	var s FreedSlot
	var durationMins int

	err := row.Scan(
		&s.ID,
		&s.AppointmentID,
		&s.ClinicID,
		&s.ServiceType,
		&s.StartTime,
		&durationMins,
		&s.FreedAt,
		&s.Round,
		&s.ClaimedBy,
		&s.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.Duration = time.Duration(durationMins) * time.Minute
	return &s, nil
}

const invitationColumns = `id, slot_id, entry_id, status, reason, sent_at, expires_at, responded_at`

func scanInvitation(row pgx.Row) (*Invitation, error) {
	var inv Invitation
	var respondedAt *time.Time

	err := row.Scan(
		&inv.ID,
		&inv.SlotID,
		&inv.EntryID,
		&inv.Status,
		&inv.Reason,
		&inv.SentAt,
		&inv.ExpiresAt,
		&respondedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvitationNotFound
		}
		return nil, err
	}

	inv.RespondedAt = respondedAt
	return &inv, nil
}

func (r *PgRepository) CreateSlot(ctx context.Context, s *FreedSlot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO freed_slots
			(id, appointment_id, clinic_id, service_type, start_time, duration_mins, freed_at, round)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
	`, s.ID, s.AppointmentID, s.ClinicID, s.ServiceType, s.StartTime,
		int(s.Duration/time.Minute), s.FreedAt)
	if err != nil {
		return fmt.Errorf("insert freed slot: %w", err)
	}
	return nil
}

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*FreedSlot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM freed_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) ClaimSlot(ctx context.Context, slotID, invitationID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE freed_slots
		SET claimed_by = $2
		WHERE id = $1
		  AND claimed_by IS NULL
		  AND closed_at IS NULL
	`, slotID, invitationID)
	if err != nil {
		return false, fmt.Errorf("claim slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, slotID, invitationID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE freed_slots
		SET claimed_by = NULL
		WHERE id = $1
		  AND claimed_by = $2
	`, slotID, invitationID)
	if err != nil {
		return fmt.Errorf("release slot claim: %w", err)
	}
	return nil
}

func (r *PgRepository) AdvanceRound(ctx context.Context, slotID uuid.UUID) (int, error) {
	var round int
	err := r.pool.QueryRow(ctx, `
		UPDATE freed_slots
		SET round = round + 1
		WHERE id = $1
		RETURNING round
	`, slotID).Scan(&round)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSlotNotFound
		}
		return 0, fmt.Errorf("advance slot round: %w", err)
	}
	return round, nil
}

func (r *PgRepository) CloseSlot(ctx context.Context, slotID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE freed_slots
		SET closed_at = $2
		WHERE id = $1
		  AND closed_at IS NULL
	`, slotID, at)
	if err != nil {
		return fmt.Errorf("close slot: %w", err)
	}
	return nil
}

func (r *PgRepository) SlotsAwaitingRound(ctx context.Context, now time.Time) ([]FreedSlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM freed_slots s
		WHERE s.claimed_by IS NULL
		  AND s.closed_at IS NULL
		  AND s.start_time > $1
		  AND NOT EXISTS (
		      SELECT 1 FROM invitations i
		      WHERE i.slot_id = s.id AND i.status = 'sent'
		  )
		ORDER BY s.start_time
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []FreedSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	return result, rows.Err()
}

func (r *PgRepository) CreateInvitation(ctx context.Context, inv *Invitation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invitations
			(id, slot_id, entry_id, status, reason, sent_at, expires_at)
		VALUES ($1, $2, $3, $4, '', $5, $6)
	`, inv.ID, inv.SlotID, inv.EntryID, inv.Status, inv.SentAt, inv.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (r *PgRepository) GetInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE id = $1
	`, id)
	return scanInvitation(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invitations
		SET status = $2,
		    reason = $3,
		    responded_at = $4
		WHERE id = $1
		  AND status = $5
	`, id, to, reason, at, from)
	if err != nil {
		return false, fmt.Errorf("update invitation status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeclineSiblings(ctx context.Context, slotID, winnerID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE invitations
		SET status = 'declined',
		    reason = $3,
		    responded_at = $4
		WHERE slot_id = $1
		  AND id <> $2
		  AND status = 'sent'
		RETURNING entry_id
	`, slotID, winnerID, reason, at)
	if err != nil {
		return nil, fmt.Errorf("decline sibling invitations: %w", err)
	}
	defer rows.Close()

	var entryIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		entryIDs = append(entryIDs, id)
	}

	return entryIDs, rows.Err()
}

func (r *PgRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]Invitation, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE status = 'sent'
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectInvitations(rows)
}

func (r *PgRepository) InvitedEntryIDs(ctx context.Context, slotID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT entry_id
		FROM invitations
		WHERE slot_id = $1
	`, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *PgRepository) List(ctx context.Context, f ListFilter) ([]Invitation, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var slotID *uuid.UUID
	if f.SlotID != uuid.Nil {
		slotID = &f.SlotID
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE ($1::uuid IS NULL OR slot_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY sent_at DESC
		LIMIT $3 OFFSET $4
	`, slotID, string(f.Status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectInvitations(rows)
}

func collectInvitations(rows pgx.Rows) ([]Invitation, error) {
	var result []Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
	}
	return result, rows.Err()
}
