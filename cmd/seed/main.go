package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/automation-engine/internal/db"
)

var serviceTypes = []string{
	"checkup",
	"cleaning",
	"consultation",
	"followup",
	"physio",
	"vaccination",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	clinics, err := seedClinics(context.Background(), pool, 5)
	if err != nil {
		log.Fatalf("seed clinics: %v", err)
	}
	patients, err := seedPatients(context.Background(), pool, clinics, 2000)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedAppointments(context.Background(), pool, patients, 3000); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}
	if err := seedWaitlist(context.Background(), pool, clinics, 400); err != nil {
		log.Fatalf("seed waitlist: %v", err)
	}

	log.Println("seed complete")
}

type seedPatient struct {
	id       uuid.UUID
	clinicID uuid.UUID
}

func seedClinics(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d clinics", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Company() + " Clinic"

		_, err := tx.Exec(ctx, `
			INSERT INTO clinics (id, name, created_at, updated_at)
			VALUES ($1, $2, now(), now())
		`, id, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("clinics seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, clinics []uuid.UUID, count int) ([]seedPatient, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	patients := make([]seedPatient, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			p := seedPatient{
				id:       uuid.New(),
				clinicID: clinics[gofakeit.Number(0, len(clinics)-1)],
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, clinic_id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now(), now())
			`, p.id, p.clinicID, gofakeit.Name(), gofakeit.Email(), gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			patients = append(patients, p)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return patients, nil
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, patients []seedPatient, count int) error {
	log.Printf("seeding %d appointments", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			p := patients[gofakeit.Number(0, len(patients)-1)]
			id := uuid.New()

			// Spread starts over the next two weeks so every reminder
			// tier has appointments inside its band.
			start := time.Now().
				Add(time.Duration(gofakeit.Number(1, 14*24)) * time.Hour).
				Truncate(30 * time.Minute)
			duration := []int{20, 30, 45, 60}[gofakeit.Number(0, 3)]
			service := serviceTypes[gofakeit.Number(0, len(serviceTypes)-1)]

			status := "pending"
			if gofakeit.Number(0, 2) == 0 {
				status = "confirmed"
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, clinic_id, patient_id, service_type, start_time, duration_mins, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			`, id, p.clinicID, p.id, service, start, duration, status)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			confStatus := "unconfirmed"
			if status == "confirmed" {
				confStatus = "confirmed"
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO confirmations (appointment_id, status, created_at, updated_at)
				VALUES ($1, $2, now(), now())
			`, id, confStatus)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("appointments seeded: %d/%d", end, count)
	}

	log.Println("appointments seeded")
	return nil
}

func seedWaitlist(ctx context.Context, pool *pgxpool.Pool, clinics []uuid.UUID, count int) error {
	log.Printf("seeding %d waitlist entries", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		clinicID := clinics[gofakeit.Number(0, len(clinics)-1)]

		prefs := map[string]any{}
		if gofakeit.Bool() {
			days := []int{1, 2, 3, 4, 5}
			prefs["days"] = days[:gofakeit.Number(1, len(days))]
		}
		if gofakeit.Bool() {
			prefs["bands"] = []map[string]int{{"start": 9 * 60, "end": 13 * 60}}
		}
		prefJSON, err := json.Marshal(prefs)
		if err != nil {
			return err
		}

		service := serviceTypes[gofakeit.Number(0, len(serviceTypes)-1)]

		_, err = tx.Exec(ctx, `
			INSERT INTO waitlist_entries (id, clinic_id, kind, status, name, email, phone, service_type, preferences, priority, added_at, updated_at)
			VALUES ($1, $2, 'new_client', 'waiting', $3, $4, $5, $6, $7, $8, now(), now())
		`, id, clinicID, gofakeit.Name(), gofakeit.Email(), gofakeit.Phone(), service, prefJSON, gofakeit.Number(0, 5))
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("waitlist entries seeded")
	return nil
}
