package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/freight-settlement/internal/config"
	"github.com/example/freight-settlement/internal/dispatch"
	"github.com/example/freight-settlement/internal/events"
	"github.com/example/freight-settlement/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total settlement messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful transporter stats updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	pushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_push_errors_total",
		Help: "Settlements whose push notifications failed",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, pushErrors)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "settlement-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	h := &handler{
		stats:    &redisAdapter{c: rc},
		attempts: cfg.RedisAttempts,
		delay:    cfg.RedisRetryDelay,
		logger:   logger,
	}
	if cfg.NotifyWebhook != "" {
		h.push = dispatch.NewFanout(logger, dispatch.NewWebhookSender(cfg.NotifyWebhook))
	}

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		h.handle(ctx, m.Value)
	}
}

// StatsUpdater is the subset of redis the consumer writes with.
type StatsUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

type handler struct {
	stats    StatsUpdater
	push     *dispatch.Fanout
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// handle applies one settlement message. Messages are delivered at least
// once, so every write is keyed by load id and safe to repeat.
func (h *handler) handle(ctx context.Context, value []byte) {
	ev, err := events.DecodeSettlement(value)
	if err != nil {
		msgsInvalid.Inc()
		h.logger.Warn("invalid message", "error", err)
		return
	}
	res := ev.Settlement
	if err := updateStatsWithRetry(ctx, h.stats, ev, h.attempts, h.delay); err != nil {
		redisErrors.Inc()
		h.logger.Error("stats update failed", "load_id", res.LoadID, "transporter_id", res.TransporterID, "error", err)
	} else {
		redisUpdates.Inc()
	}
	if h.push != nil {
		if err := h.push.SettlementCompleted(ctx, res); err != nil {
			pushErrors.Inc()
			h.logger.Warn("push notifications failed", "load_id", res.LoadID, "error", err)
		}
	}
}

func statsKeys(transporterID string) (settlements, meta string) {
	return "transporter:settlements:" + transporterID, "transporter:meta:" + transporterID
}

// updateStatsWithRetry records the won load under the transporter with
// retry/backoff.
func updateStatsWithRetry(ctx context.Context, rc StatsUpdater, ev events.SettlementEvent, attempts int, delay time.Duration) error {
	res := ev.Settlement
	settlementsKey, metaKey := statsKeys(res.TransporterID)
	writes := []struct {
		key    string
		values map[string]interface{}
	}{
		{settlementsKey, map[string]interface{}{res.LoadID: res.Financials.TransporterEarning.String()}},
		{metaKey, map[string]interface{}{"last_load_id": res.LoadID, "last_settled_at": ev.OccurredAt.UTC().Format(time.RFC3339)}},
	}
	var err error
	for _, w := range writes {
		for i := 0; i < attempts; i++ {
			if err = rc.HSet(ctx, w.key, w.values); err == nil {
				break
			}
			if i == attempts-1 {
				return fmt.Errorf("hset %s: %w", w.key, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil
}
