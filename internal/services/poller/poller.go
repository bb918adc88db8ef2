package poller

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrailBox/internal/broker/messages"
	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/integrations/lastmile"
	"github.com/BearBump/TrailBox/internal/metrics"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/resilience"
	"github.com/BearBump/TrailBox/internal/services/stopcond"
)

const (
	KindHeadhaul = "headhaul"
	KindLastmile = "lastmile"
	KindSweep    = "sweep"
	KindPush     = "push"
)

type Repository interface {
	ListCarrierInterfaces(ctx context.Context) ([]*models.CarrierInterface, error)
	ListNodes(ctx context.Context) ([]models.CanonicalStatusNode, error)
	ListLastmileMappings(ctx context.Context) ([]models.LastmileStatusMapping, error)

	ListDueHeadhaul(ctx context.Context, interfaceID uint64, dueBefore time.Time, ids []uint64, limit int) ([]models.Shipment, error)
	ListLastmileRegister(ctx context.Context, ids []uint64, limit int) ([]models.LastmileTarget, error)
	ListLastmileQuery(ctx context.Context, now, fetchedBefore time.Time, ids []uint64, limit int) ([]models.LastmileTarget, error)
	ListActiveTracked(ctx context.Context, afterID uint64, ids []uint64, limit int) ([]models.TrackedShipment, error)
	ListUntrackedImportedBefore(ctx context.Context, before time.Time, limit int) ([]models.Shipment, error)

	UpdateRecord(ctx context.Context, shipmentID uint64, fn func(rec *models.TrackingRecord) error) (*models.TrackingRecord, error)
	InsertStoppedRecords(ctx context.Context, recs []*models.TrackingRecord) (int, error)
}

type Resolver interface {
	Resolve(name string) (carrier.Handler, error)
}

type Lastmile interface {
	Register(ctx context.Context, numbers []string) (string, error)
	Query(ctx context.Context, numbers []string) (lastmile.QueryResult, error)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type RateLimiter interface {
	AllowN(ctx context.Context, key string, n, limit int64, window time.Duration) (int64, error)
}

// Locker не даёт двум репликам воркера опрашивать один интерфейс одновременно.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Breaker interface {
	Execute(name string, fn func() error) error
}

// Pusher is the optional push pass run after polling.
type Pusher interface {
	Run(ctx context.Context, ids []uint64) (*models.RunSummary, error)
}

type Poller struct {
	repo     Repository
	registry Resolver
	producer Producer
	topic    string

	lastmile Lastmile
	rl       RateLimiter
	locker   Locker
	breakers Breaker
	pusher   Pusher

	stop    *stopcond.Evaluator
	planner *Planner
	now     func() time.Time

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	rateLimitPerMinute int64
	lockTTL            time.Duration
	publishRetry       resilience.RetryPolicy

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	mu                  sync.Mutex
	lastError           string
	lastRuns            map[string]*models.RunSummary
}

func New(repo Repository, registry Resolver, producer Producer, topic string) *Poller {
	return &Poller{
		repo: repo, registry: registry, producer: producer, topic: topic,
		stop:               stopcond.New(stopcond.DefaultSettings()),
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		now:                func() time.Time { return time.Now().UTC() },
		pollInterval:       time.Hour,
		batchSize:          100,
		concurrency:        4,
		rateLimitPerMinute: 120,
		lockTTL:            10 * time.Minute,
		publishRetry: resilience.RetryPolicy{
			InitialInterval: 150 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxElapsedTime:  10 * time.Second,
			MaxRetries:      5,
		},
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
		lastRuns:          make(map[string]*models.RunSummary),
	}
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

func (p *Poller) WithStopConditions(s stopcond.Settings) *Poller {
	p.stop = stopcond.New(s)
	return p
}

func (p *Poller) WithLastmile(c Lastmile) *Poller {
	p.lastmile = c
	return p
}

func (p *Poller) WithRateLimiter(rl RateLimiter) *Poller {
	p.rl = rl
	return p
}

func (p *Poller) WithLocker(l Locker, ttl time.Duration) *Poller {
	p.locker = l
	if ttl > 0 {
		p.lockTTL = ttl
	}
	return p
}

func (p *Poller) WithBreakers(b Breaker) *Poller {
	p.breakers = b
	return p
}

func (p *Poller) WithPusher(ps Pusher) *Poller {
	p.pusher = ps
	return p
}

func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time                     `json:"startedAt"`
	LastCycleAt    *time.Time                    `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time                    `json:"lastTriggerAt,omitempty"`
	TotalRuns      int64                         `json:"totalRuns"`
	TotalProcessed int64                         `json:"totalProcessed"`
	TotalErrors    int64                         `json:"totalErrors"`
	InFlight       int64                         `json:"inFlight"`
	LastError      string                        `json:"lastError,omitempty"`
	LastRuns       map[string]*models.RunSummary `json:"lastRuns,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalRuns:      p.totalRuns.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalErrors:    p.totalErrors.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.mu.Lock()
	st.LastError = p.lastError
	st.LastRuns = make(map[string]*models.RunSummary, len(p.lastRuns))
	for k, v := range p.lastRuns {
		cp := *v
		st.LastRuns[k] = &cp
	}
	p.mu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.RunOnce(ctx)
		case <-p.triggerCh:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce is one scheduler cycle: head-haul, last-mile, stop sweep and,
// when configured, the push pass.
func (p *Poller) RunOnce(ctx context.Context) {
	p.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	p.record(KindHeadhaul)(p.RunHeadhaul(ctx, nil))
	p.record(KindLastmile)(p.RunLastmile(ctx, nil))
	p.record(KindSweep)(p.RunSweep(ctx, nil))
	if p.pusher != nil {
		p.record(KindPush)(p.pusher.Run(ctx, nil))
	}
}

// RunPush runs the push pass on demand.
func (p *Poller) RunPush(ctx context.Context, ids []uint64) (*models.RunSummary, error) {
	if p.pusher == nil {
		return models.NewRunSummary(KindPush, p.now()).Finish(p.now()), nil
	}
	return p.pusher.Run(ctx, ids)
}

func (p *Poller) record(kind string) func(*models.RunSummary, error) {
	return func(s *models.RunSummary, err error) {
		p.Observe(kind, s, err)
	}
}

// Observe folds a finished run into stats and metrics.
func (p *Poller) Observe(kind string, s *models.RunSummary, err error) {
	p.totalRuns.Add(1)
	if err != nil {
		slog.Error("run failed", "kind", kind, "error", err.Error())
		p.totalErrors.Add(1)
		p.setLastError(err.Error())
		return
	}
	if s == nil {
		return
	}
	metrics.ObserveRun(s)
	p.totalProcessed.Add(int64(s.Total))
	p.totalErrors.Add(int64(s.Failed))
	if s.Failed > 0 && len(s.Failures) > 0 {
		p.setLastError(s.Failures[len(s.Failures)-1].Reason)
	}
	p.mu.Lock()
	p.lastRuns[kind] = s
	p.mu.Unlock()
	slog.Info("run finished", "kind", kind, "total", s.Total, "succeeded", s.Succeeded, "failed", s.Failed)
}

func (p *Poller) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}

func (p *Poller) publish(ctx context.Context, rec *models.TrackingRecord, source string, at time.Time) {
	if p.producer == nil || rec == nil {
		return
	}
	msg := messages.FromRecord(rec, source, at)
	key := strconv.FormatUint(rec.ShipmentID, 10)
	// Kafka может быть не готова сразу после старта docker compose.
	err := resilience.Retry(ctx, p.publishRetry, func(error) bool { return true }, func() error {
		return p.producer.PublishJSON(ctx, p.topic, key, msg)
	})
	if err != nil {
		// запись уже закоммичена; потеря сообщения только задерживает обновление кэша
		slog.Warn("publish tracking update", "shipment_id", rec.ShipmentID, "error", err.Error())
	}
}
