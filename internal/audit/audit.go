// Package audit is the append-only automation log: one row per notable
// engine event, best effort. A failed audit write never fails the caller.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type Recorder interface {
	Record(ctx context.Context, eventType string, subjectID uuid.UUID, payload map[string]any)
}

type PgRecorder struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPgRecorder(pool *pgxpool.Pool, log zerolog.Logger) *PgRecorder {
	return &PgRecorder{pool: pool, log: log}
}

func (r *PgRecorder) Record(ctx context.Context, eventType string, subjectID uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error().Err(err).Str("event", eventType).Msg("marshal audit payload")
		data = nil
	}

	var subject *uuid.UUID
	if subjectID != uuid.Nil {
		subject = &subjectID
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO automation_logs (event_type, subject_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, eventType, subject, data, time.Now())
	if err != nil {
		r.log.Error().Err(err).Str("event", eventType).Msg("insert audit log")
	}
}

// Nop discards events. Used in tests and tools.
type Nop struct{}

func (Nop) Record(ctx context.Context, eventType string, subjectID uuid.UUID, payload map[string]any) {
}
