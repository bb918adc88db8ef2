package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BearBump/TrailBox/config"
	"github.com/BearBump/TrailBox/internal/broker/kafka"
	"github.com/BearBump/TrailBox/internal/broker/messages"
	"github.com/BearBump/TrailBox/internal/cache/rediscache"
	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/integrations/carrier/emulatorv1"
	"github.com/BearBump/TrailBox/internal/integrations/carrier/fake"
	"github.com/BearBump/TrailBox/internal/integrations/carrier/fields"
	"github.com/BearBump/TrailBox/internal/integrations/carrier/tongyou"
	"github.com/BearBump/TrailBox/internal/integrations/lastmile"
	"github.com/BearBump/TrailBox/internal/integrations/pushgw"
	"github.com/BearBump/TrailBox/internal/metrics"
	"github.com/BearBump/TrailBox/internal/resilience"
	"github.com/BearBump/TrailBox/internal/services/poller"
	"github.com/BearBump/TrailBox/internal/services/pusher"
	"github.com/BearBump/TrailBox/internal/services/stopcond"
	"github.com/BearBump/TrailBox/internal/storage/pgtracking"
	"github.com/sony/gobreaker"
)

// workerStorage: всё, что воркеру нужно от хранилища.
type workerStorage interface {
	poller.Repository
	pusher.Repository
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo workerStorage, closeFn func(), err error)
	newProducer    func(cfg *config.Config) poller.Producer
	newRateLimiter func(cfg *config.Config) poller.RateLimiter
	newLocker      func(cfg *config.Config) poller.Locker
	newRegistry    func(cfg *config.Config) *carrier.Registry
	newLastmile    func(cfg *config.Config) poller.Lastmile
	newGateway     func(cfg *config.Config) pusher.Gateway
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			st, err := pgtracking.New(connString(cfg))
			if err != nil {
				return nil, nil, err
			}
			retry := resilience.DefaultRetryPolicy()
			if cfg.TrailBox.LockRetryMaxElapsedSeconds > 0 {
				retry.MaxElapsedTime = seconds(cfg.TrailBox.LockRetryMaxElapsedSeconds)
			}
			if cfg.TrailBox.LockRetryMaxRetries > 0 {
				retry.MaxRetries = uint64(cfg.TrailBox.LockRetryMaxRetries)
			}
			return st.WithLockRetry(retry), st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newLocker: func(cfg *config.Config) poller.Locker {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewLocker(redisAddr, "")
		},
		newRegistry: func(cfg *config.Config) *carrier.Registry {
			timeout := seconds(cfg.TrailBox.CarrierTimeoutSeconds)
			eval := fields.NewEvaluator()
			return carrier.NewRegistry().
				Register(tongyou.InterfaceName, carrier.Sequential(tongyou.New(timeout, eval))).
				Register(emulatorv1.InterfaceName, emulatorv1.New(timeout, eval)).
				Register(fake.InterfaceName, carrier.Sequential(fake.New()))
		},
		newLastmile: func(cfg *config.Config) poller.Lastmile {
			if cfg.Lastmile.Token == "" {
				return nil
			}
			return lastmile.New(cfg.Lastmile.BaseURL, cfg.Lastmile.Token, seconds(cfg.Lastmile.TimeoutSeconds))
		},
		newGateway: func(cfg *config.Config) pusher.Gateway {
			if !cfg.Push.Enabled {
				return nil
			}
			var ports map[string]pushgw.Port
			if len(cfg.Push.Ports) > 0 {
				ports = make(map[string]pushgw.Port, len(cfg.Push.Ports))
				for code, p := range cfg.Push.Ports {
					ports[code] = pushgw.Port{Side: p.Side, Name: p.Name, Code: p.Code}
				}
			}
			return pushgw.New(pushgw.Config{
				URL:         cfg.Push.URL,
				PartnerCode: cfg.Push.PartnerCode,
				SignKey:     cfg.Push.SignKey,
				Timeout:     seconds(cfg.Push.TimeoutSeconds),
				Ports:       ports,
			})
		},
	}
}

func plannerConfig(tb config.TrailBoxConfig) poller.PlannerConfig {
	pc := poller.DefaultPlannerConfig()
	if tb.WorkerDefaultFetchIntervalSeconds > 0 {
		pc.DefaultFetchInterval = seconds(tb.WorkerDefaultFetchIntervalSeconds)
	}
	if tb.WorkerSettleDelaySeconds > 0 {
		pc.SettleDelay = seconds(tb.WorkerSettleDelaySeconds)
	}
	if tb.WorkerSettleJitterSeconds > 0 {
		pc.SettleJitter = seconds(tb.WorkerSettleJitterSeconds)
	}
	if tb.WorkerLastmileIntervalSeconds > 0 {
		pc.LastmileInterval = seconds(tb.WorkerLastmileIntervalSeconds)
	}
	return pc
}

func stopSettings(tb config.TrailBoxConfig) stopcond.Settings {
	// нули заменяются значениями по умолчанию в stopcond.New
	return stopcond.Settings{
		MaxAge:       time.Duration(tb.StopMaxAgeDays) * 24 * time.Hour,
		StaleAfter:   time.Duration(tb.StopStaleDays) * 24 * time.Hour,
		TerminalCode: tb.StopTerminalCode,
	}
}

func newBreakers(tb config.TrailBoxConfig) *resilience.Breakers {
	bs := resilience.DefaultBreakerSettings()
	if tb.BreakerFailureThreshold > 0 {
		bs.FailureThreshold = uint32(tb.BreakerFailureThreshold)
	}
	if tb.BreakerTimeoutSeconds > 0 {
		bs.Timeout = seconds(tb.BreakerTimeoutSeconds)
	}
	if tb.BreakerIntervalSeconds > 0 {
		bs.Interval = seconds(tb.BreakerIntervalSeconds)
	}
	return resilience.NewBreakers(bs).OnStateChange(func(name string, to gobreaker.State) {
		metrics.SetBreakerState(name, to)
		slog.Warn("carrier breaker state changed", "interface", name, "state", to.String())
	})
}

// buildPoller wires the scheduler from config and factories.
func buildPoller(cfg *config.Config, f workerFactories, repo workerStorage) (*poller.Poller, *resilience.Breakers) {
	topic := cfg.Kafka.TrackingUpdatedTopicName
	if topic == "" {
		topic = messages.TopicTrackingUpdated
	}
	tb := cfg.TrailBox

	breakers := newBreakers(tb)
	p := poller.New(repo, f.newRegistry(cfg), f.newProducer(cfg), topic).
		WithSettings(seconds(tb.WorkerPollIntervalSeconds), tb.WorkerBatchSize, tb.WorkerConcurrency, int64(tb.WorkerRateLimitPerMinute)).
		WithPlanner(plannerConfig(tb)).
		WithStopConditions(stopSettings(tb)).
		WithBreakers(breakers)

	if rl := f.newRateLimiter(cfg); rl != nil {
		p.WithRateLimiter(rl)
	}
	if l := f.newLocker(cfg); l != nil {
		p.WithLocker(l, seconds(tb.WorkerLockTTLSeconds))
	}
	if lm := f.newLastmile(cfg); lm != nil {
		p.WithLastmile(lm)
	} else {
		slog.Info("lastmile polling disabled: no aggregator token")
	}
	if gw := f.newGateway(cfg); gw != nil {
		p.WithPusher(pusher.New(repo, gw, cfg.Push.BatchSize))
	}
	return p, breakers
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	p, breakers := buildPoller(cfg, f, repo)

	httpErr := make(chan error, 1)
	if swaggerPath := os.Getenv("swaggerPath"); swaggerPath != "" {
		go func() {
			httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    cfg.TrailBox.WorkerHTTPAddr,
				swaggerPath: swaggerPath,
				poller:      p,
				breakers:    breakers,
				ready:       readiness(repo),
				cfg:         cfg,
			})
		}()
	} else {
		slog.Warn("worker HTTP disabled: swaggerPath is not set")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case err := <-httpErr:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return <-runErr
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func readiness(repo workerStorage) func(ctx context.Context) error {
	pg, ok := repo.(pinger)
	if !ok {
		return nil
	}
	return pg.Ping
}
