package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	"github.com/clinicops/automation-engine/internal/scheduler"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.Env)
	log.Info().Str("env", cfg.Env).Msg("automation-worker starting up")

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
	metricsRepo := metrics.NewPgRepository(pgPool)

	apptSvc := appointment.NewService(apptRepo, confRepo, auditor, logging.Component(log, "appointment"))
	confSvc := confirmation.NewService(confRepo, apptSvc, sender, cfg.ReminderTiers, auditor, logging.Component(log, "confirmation"))
	wlSvc := waitlist.NewService(wlRepo, auditor, logging.Component(log, "waitlist"))
	invSvc := invitation.NewService(invRepo, wlRepo, sender, cfg.OfferTTL, auditor, logging.Component(log, "invitation"))
	matchSvc := matcher.NewService(invRepo, wlSvc, invSvc, locker, matcher.Config{
		CandidatesPerRound: cfg.CandidatesPerRound,
		MaxOfferRounds:     cfg.MaxOfferRounds,
		LockTTL:            cfg.LockTTL,
	}, auditor, logging.Component(log, "matcher"))
	apptSvc.SetSlotFreedHandler(matchSvc)

	metricsSvc := metrics.NewService(metricsRepo)
	stats := metrics.NewPgStats(pgPool)

	jobs := []scheduler.Job{
		scheduler.NewJob("reminder-sweep", cfg.ReminderInterval, confSvc.Sweep),

		// Expire stale offers, then cascade the next round for every slot
		// whose previous round fully resolved without a winner.
		scheduler.NewJob("invitation-expiry", cfg.ExpiryInterval, func(ctx context.Context, now time.Time) (metrics.Counts, error) {
			counts, slots, err := invSvc.ExpireSweep(ctx, now)
			if err != nil {
				return counts, err
			}
			counts.Add(matchSvc.Cascade(ctx, slots))
			return counts, nil
		}),

		scheduler.NewJob("recall-sync", cfg.RecallInterval, wlSvc.SyncRecall),

		scheduler.NewJob("metrics-rollup", cfg.RollupInterval, func(ctx context.Context, now time.Time) (metrics.Counts, error) {
			var counts metrics.Counts
			report, err := metricsSvc.BuildWeeklyReport(ctx, stats, now)
			if err != nil {
				return counts, err
			}
			counts.Processed++

			payload, err := json.Marshal(report)
			if err != nil {
				counts.Failed++
				return counts, err
			}
			err = sender.Send(ctx, notify.ChannelEmail, "operations", notify.TemplateWeeklyReport, map[string]string{
				"report": string(payload),
			})
			if err != nil {
				counts.Failed++
				return counts, err
			}
			counts.Succeeded++
			return counts, nil
		}),
	}

	recorder := metrics.NewRecorder(metricsRepo, logging.Component(log, "recorder"))
	runner := scheduler.NewRunner(locker, recorder, cfg.JobRunTimeout, logging.Component(log, "scheduler"))

	runner.Run(rootCtx, jobs)

	log.Info().Msg("automation-worker stopped")
}
