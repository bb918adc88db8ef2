package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/TrailBox/config"
	"github.com/BearBump/TrailBox/internal/broker/kafka"
	"github.com/BearBump/TrailBox/internal/broker/messages"
	"github.com/BearBump/TrailBox/internal/cache/rediscache"
	"github.com/BearBump/TrailBox/internal/services/trackings"
	"github.com/BearBump/TrailBox/internal/storage/pgtracking"
)

type trackAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     trackAPIOpts
	svc      *trackings.Service
	consumer *kafka.Consumer
	closeFns []func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	opts := apiOptsFromConfig(cfg)
	opts.swaggerPath = swaggerPath

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	svc := trackings.New(st, rc, cacheTTL(cfg))

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, opts.topic, opts.consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &trackAPIApp{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		svc:      svc,
		consumer: consumer,
		closeFns: []func(){func() { _ = rc.Close() }, st.Close},
	}
}

func apiOptsFromConfig(cfg *config.Config) trackAPIOpts {
	httpAddr := cfg.TrailBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.TrailBox.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-api"
	}
	topic := cfg.Kafka.TrackingUpdatedTopicName
	if topic == "" {
		topic = messages.TopicTrackingUpdated
	}
	return trackAPIOpts{httpAddr: httpAddr, topic: topic, consumerGroup: consumerGroup}
}

// cacheTTL: 0 в конфиге = 10 минут.
func cacheTTL(cfg *config.Config) time.Duration {
	ttl := time.Duration(cfg.TrailBox.CurrentStatusTTLSeconds) * time.Second
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return ttl
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgtracking.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgtracking.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	for _, fn := range a.closeFns {
		fn()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.svc, a.consumer)
}
