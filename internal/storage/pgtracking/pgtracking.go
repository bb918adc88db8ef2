package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/TrailBox/internal/resilience"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	maxConns        = 16
	maxConnIdleTime = 5 * time.Minute
	connectTimeout  = 5 * time.Second
)

// Storage владеет таблицами tracking_records и справочниками; shipments
// только читает.
type Storage struct {
	db    *pgxpool.Pool
	retry resilience.RetryPolicy
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}
	if cfg.MaxConns < maxConns {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	// времена событий храним в timestamptz, сессия в UTC
	cfg.ConnConfig.RuntimeParams["timezone"] = "UTC"
	cfg.ConnConfig.RuntimeParams["application_name"] = "trailbox"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping pg")
	}

	s := &Storage{db: db, retry: resilience.DefaultRetryPolicy()}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// WithLockRetry overrides the retry policy for row-lock contention.
func (s *Storage) WithLockRetry(p resilience.RetryPolicy) *Storage {
	s.retry = p
	return s
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping pg")
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
