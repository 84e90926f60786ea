// Command consumer drains the driver location topic into the shared Redis
// geo index that dispatch instances search.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

// LocationUpdater is the write side of the geo index.
type LocationUpdater interface {
	Upsert(ctx context.Context, d models.DriverLocation) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	envFile := config.LoadDotEnv(6)
	cfg, err := config.LoadServerConfig()
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "location-consumer")
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if envFile != "" {
		logger.Info().Str("path", envFile).Msg("loaded .env")
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.Dispatch.FreshnessWindow)

	go serveOps(metricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group := cfg.KafkaGroup + "-locations"
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaLocationTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info().Str("topic", cfg.KafkaLocationTopic).Strs("brokers", brokers).Str("group", group).Msg("consumer listening")
	consume(ctx, r, index, logger)
	logger.Info().Msg("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, u LocationUpdater, logger zerolog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		d, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn().Err(err).Int64("offset", m.Offset).Msg("invalid location message")
			continue
		}
		if err := updateWithRetry(ctx, u, d, 3, 200*time.Millisecond); err != nil {
			geoErrors.Inc()
			logger.Error().Err(err).Str("driver_id", d.DriverID).Msg("geo update failed")
			continue
		}
		geoUpdates.Inc()
	}
}

func decodeLocation(b []byte) (models.DriverLocation, error) {
	var d models.DriverLocation
	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}
	if d.DriverID == "" {
		return d, errors.New("driver_id is required")
	}
	if !d.Loc.Valid() {
		return d, geo.ErrInvalidCoordinate
	}
	return d, nil
}

// updateWithRetry writes d to the index, retrying with doubling delay.
func updateWithRetry(ctx context.Context, u LocationUpdater, d models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = u.Upsert(ctx, d); err == nil {
			return nil
		}
		if i == attempts-1 || !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func serveOps(addr string, rc *redis.Client, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info().Str("addr", addr).Msg("metrics/health listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
