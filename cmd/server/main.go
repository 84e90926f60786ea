package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/deadline"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type scheduler interface {
	dispatch.Scheduler
	Run(ctx context.Context, h deadline.Handler) error
}

func main() {
	envFile := config.LoadDotEnv(6)
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if envFile != "" {
		logger.Info().Str("path", envFile).Msg("loaded .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable at startup")
		}
	}

	var (
		locator   dispatch.Locator
		counter   geo.OnlineCounter
		locations httpapi.LocationWriter
		sched     scheduler
		relay     *notify.RedisRelay
		tokens    notify.TokenStore
	)
	hub := notify.NewHub(logging.Component(logger, "ws"))
	publisher := notify.NewMulti(logging.Component(logger, "notify"))
	if rc != nil {
		g := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.Dispatch.FreshnessWindow)
		locator, locations, counter = g, g, g
		sched = deadline.NewRedisScheduler(rc, cfg.RedisDeadlineKey, cfg.Dispatch.DeadlinePollInterval, logging.Component(logger, "deadline"))
		relay = notify.NewRedisRelay(rc, cfg.RedisEventPrefix, logging.Component(logger, "relay"))
		publisher.Add("relay", relay)
		tokens = notify.NewRedisTokens(rc, cfg.RedisTokenKey)
	} else {
		idx := geo.NewIndex(cfg.Dispatch.FreshnessWindow)
		locator, locations, counter = idx, idx, idx
		sched = deadline.NewTimerScheduler(logging.Component(logger, "deadline"))
		publisher.Add("ws", hub)
	}

	if cfg.FirebaseProjectID != "" {
		sender, err := notify.NewFirebaseSender(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			logger.Error().Err(err).Msg("firebase disabled")
		} else if tokens != nil {
			publisher.Add("fcm", notify.NewFCM(sender, tokens))
		} else {
			logger.Warn().Msg("firebase configured without redis; push tokens cannot be stored")
		}
	}

	engine := &dispatch.Engine{
		Locator:   locator,
		Store:     store,
		Notifier:  publisher,
		Deadlines: sched,
		Config:    cfg.Dispatch,
		Log:       logging.Component(logger, "dispatch"),
	}
	if cfg.PaymentHolds {
		engine.OnAccepted = payments.NewStripeClient(cfg.StripeAPIKey, logging.Component(logger, "payments")).HoldOnAccept
	}

	api := &httpapi.Server{Engine: engine, Locations: locations, Hub: hub, Tokens: tokens}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logger.Info().Str("worker", name).Msg("worker stopped")
		}()
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		defer producer.Close()
		api.Trigger = producer
		if rc != nil {
			// cmd/consumer drains the location topic into the shared geo index.
			api.LocationFeed = producer
		}

		reader := ingest.NewRideReader(cfg.KafkaBrokers, cfg.KafkaRideTopic, cfg.KafkaGroup)
		defer reader.Close()
		consumer := ingest.NewRideConsumer(reader, func(ctx context.Context, rideID string) error {
			_, err := engine.Dispatch(ctx, rideID)
			if errors.Is(err, dispatch.ErrNotFound) {
				logger.Warn().Str("ride_id", rideID).Msg("ride event for unknown ride")
				return nil
			}
			return err
		}, logging.Component(logger, "ride-consumer"))
		run("ride-consumer", func() { _ = consumer.Run(ctx) })
	}

	if relay != nil {
		run("relay", func() {
			if err := relay.Run(ctx, hub); err != nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		})
	}
	run("deadlines", func() {
		if err := sched.Run(ctx, engine.OnDeadline); err != nil {
			logger.Error().Err(err).Msg("deadline scheduler stopped")
		}
	})
	run("recover", func() {
		if err := engine.Recover(ctx); err != nil {
			logger.Error().Err(err).Msg("startup recovery failed")
		}
	})
	run("sweeper", func() { engine.RunSweeper(ctx, cfg.Dispatch.SweepInterval) })
	run("drivers-gauge", func() {
		geo.ReportOnline(ctx, counter, cfg.Dispatch.SweepInterval, logging.Component(logger, "geo"))
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(api, logging.Component(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Bool("redis", rc != nil).Int("kafka_brokers", len(cfg.KafkaBrokers)).Msg("ride-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	wg.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger zerolog.Logger) (storage.Store, func()) {
	if cfg.PGDSN == "" {
		logger.Warn().Msg("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), func() {}
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open postgres")
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
		logger.Info().Msg("schema migrated")
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn().Err(err).Msg("close postgres")
		}
	}
}

