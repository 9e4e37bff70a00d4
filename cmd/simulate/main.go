// Command simulate exercises the offer race end to end against a running
// api-server: it cancels a future appointment, waits for the freed slot's
// invitations, then fires concurrent accepts for all of them and checks
// that exactly one wins.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/automation-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	PostgresDSN  string
	AcceptorsPer int           // concurrent accept attempts per invitation
	WaitTimeout  time.Duration // how long to wait for invitations to appear
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   "http://localhost:8080",
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		AcceptorsPer: 4,
		WaitTimeout:  15 * time.Second,
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("SIM_ACCEPTORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AcceptorsPer = n
		}
	}
	return cfg
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	apptID, err := pickAppointment(ctx, pgPool)
	if err != nil {
		log.Fatalf("pick appointment: %v", err)
	}
	log.Printf("cancelling appointment %s", apptID)

	if err := cancelAppointment(ctx, client, cfg.APIBaseURL, apptID); err != nil {
		log.Fatalf("cancel appointment: %v", err)
	}

	invitations, err := waitForInvitations(ctx, pgPool, apptID, cfg.WaitTimeout)
	if err != nil {
		log.Fatalf("wait for invitations: %v", err)
	}
	log.Printf("slot has %d open invitations", len(invitations))

	var accepted, conflicts, errors int64
	var wg sync.WaitGroup

	for _, invID := range invitations {
		for i := 0; i < cfg.AcceptorsPer; i++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				switch status := acceptInvitation(ctx, client, cfg.APIBaseURL, id); {
				case status == http.StatusOK:
					atomic.AddInt64(&accepted, 1)
				case status == http.StatusConflict || status == http.StatusGone:
					atomic.AddInt64(&conflicts, 1)
				default:
					atomic.AddInt64(&errors, 1)
				}
			}(invID)
		}
	}
	wg.Wait()

	total := int64(len(invitations)) * int64(cfg.AcceptorsPer)
	log.Printf("accept attempts: total=%d accepted=%d conflicts=%d errors=%d",
		total, accepted, conflicts, errors)

	if accepted != 1 {
		log.Fatalf("FAIL: expected exactly 1 acceptance, got %d", accepted)
	}
	log.Println("PASS: exactly one acceptance won the slot")
}

// pickAppointment finds a future appointment still in a cancellable state.
func pickAppointment(ctx context.Context, pool *pgxpool.Pool) (uuid.UUID, error) {
	var id uuid.UUID
	err := pool.QueryRow(ctx, `
		SELECT id FROM appointments
		WHERE status IN ('pending', 'confirmed')
		  AND start_time > now() + interval '1 hour'
		  AND deleted_at IS NULL
		ORDER BY start_time
		LIMIT 1
	`).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("no cancellable appointment found: %w", err)
	}
	return id, nil
}

func cancelAppointment(ctx context.Context, client *http.Client, base string, id uuid.UUID) error {
	body, _ := json.Marshal(map[string]string{"reason": "simulation"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/appointments/%s/cancel", base, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}
	return nil
}

// waitForInvitations polls until the cancelled appointment's freed slot
// has at least one open invitation. The matcher runs inline with the
// cancel, but notification sends can lag a moment.
func waitForInvitations(ctx context.Context, pool *pgxpool.Pool, apptID uuid.UUID, timeout time.Duration) ([]uuid.UUID, error) {
	deadline := time.Now().Add(timeout)
	for {
		rows, err := pool.Query(ctx, `
			SELECT i.id
			FROM invitations i
			JOIN freed_slots s ON s.id = i.slot_id
			WHERE s.appointment_id = $1 AND i.status = 'sent'
		`, apptID)
		if err != nil {
			return nil, err
		}

		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		if len(ids) > 0 {
			return ids, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no invitations appeared within %s; is the waitlist seeded?", timeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func acceptInvitation(ctx context.Context, client *http.Client, base string, id uuid.UUID) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/invitations/%s/accept", base, id), nil)
	if err != nil {
		return 0
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode
}
