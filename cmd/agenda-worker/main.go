package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
	"github.com/hackgods/clinic-appointment-scheduling/internal/config"
	"github.com/hackgods/clinic-appointment-scheduling/internal/db"
	"github.com/hackgods/clinic-appointment-scheduling/internal/events"
	"github.com/hackgods/clinic-appointment-scheduling/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalLog := zerolog.New(os.Stderr)
		fatalLog.Fatal().Err(err).Msg("config load error")
	}

	log := logger.New(cfg.Env, cfg.LogLevel, "agenda-worker")
	log.Info().
		Str("env", cfg.Env).
		Str("schedule", cfg.AgendaCron).
		Str("timezone", cfg.Timezone).
		Msg("agenda-worker starting up")

	if len(cfg.KafkaBrokers) == 0 {
		log.Warn().Msg("KAFKA_BROKERS not set, reminders will be dropped")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns, cfg.DBMinConns)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event publisher")
		}
	}()

	// Reminders never write appointments, so no booking lock is needed.
	svc := appointment.NewService(appointment.NewPgRepository(pgPool), nil, cfg,
		appointment.WithPublisher(publisher),
		appointment.WithLogger(log),
	)

	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(cfg.AgendaCron, func() { runOnce(rootCtx, svc, log) }); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.AgendaCron).Msg("invalid AGENDA_CRON")
	}
	c.Start()

	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received, stopping agenda worker")

	select {
	case <-c.Stop().Done():
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn().Msg("agenda run still in progress at shutdown")
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	start := time.Now()
	sent, err := svc.PublishDailyAgenda(runCtx, svc.Now())
	if err != nil {
		log.Error().Err(err).Msg("agenda run error")
		return
	}
	log.Info().
		Int("reminders", sent).
		Dur("took", time.Since(start)).
		Msg("agenda run complete")
}
