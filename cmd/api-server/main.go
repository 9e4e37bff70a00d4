package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicops/automation-engine/internal/api"
	"github.com/clinicops/automation-engine/internal/appointment"
	"github.com/clinicops/automation-engine/internal/audit"
	"github.com/clinicops/automation-engine/internal/config"
	"github.com/clinicops/automation-engine/internal/confirmation"
	"github.com/clinicops/automation-engine/internal/db"
	"github.com/clinicops/automation-engine/internal/invitation"
	"github.com/clinicops/automation-engine/internal/logging"
	"github.com/clinicops/automation-engine/internal/matcher"
	"github.com/clinicops/automation-engine/internal/metrics"
	"github.com/clinicops/automation-engine/internal/notify"
	redisclient "github.com/clinicops/automation-engine/internal/redis"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.Env)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	locker := redisclient.NewRedisLocker(rdb)
	auditor := audit.NewPgRecorder(pgPool, logging.Component(log, "audit"))

	var sender notify.Sender
	if cfg.NotifyWebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyTimeout, cfg.NotifyRetries, logging.Component(log, "notify"))
	} else {
		sender = notify.NewLogSender(logging.Component(log, "notify"))
	}

	apptRepo := appointment.NewPgRepository(pgPool)
	confRepo := confirmation.NewPgRepository(pgPool)
	wlRepo := waitlist.NewPgRepository(pgPool)
	invRepo := invitation.NewPgRepository(pgPool)

	apptSvc := appointment.NewService(apptRepo, confRepo, auditor, logging.Component(log, "appointment"))
	confSvc := confirmation.NewService(confRepo, apptSvc, sender, cfg.ReminderTiers, auditor, logging.Component(log, "confirmation"))
	wlSvc := waitlist.NewService(wlRepo, auditor, logging.Component(log, "waitlist"))
	invSvc := invitation.NewService(invRepo, wlRepo, sender, cfg.OfferTTL, auditor, logging.Component(log, "invitation"))
	matchSvc := matcher.NewService(invRepo, wlSvc, invSvc, locker, matcher.Config{
		CandidatesPerRound: cfg.CandidatesPerRound,
		MaxOfferRounds:     cfg.MaxOfferRounds,
		LockTTL:            cfg.LockTTL,
	}, auditor, logging.Component(log, "matcher"))

	// Cancellations feed the matcher. Wired late to keep construction acyclic.
	apptSvc.SetSlotFreedHandler(matchSvc)

	metricsSvc := metrics.NewService(metrics.NewPgRepository(pgPool))

	router := api.NewRouter(api.RouterConfig{
		Appointments:  apptSvc,
		Confirmations: confSvc,
		Waitlist:      wlSvc,
		Invitations:   invSvc,
		Matcher:       matchSvc,
		Metrics:       metricsSvc,
		PgPool:        pgPool,
		Redis:         rdb,
		Log:           logging.Component(log, "http"),
		Env:           cfg.Env,
		Version:       version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}

	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
