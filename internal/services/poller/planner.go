package poller

import (
	"math/rand"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	// DefaultFetchInterval applies when an interface has no fetch_interval.
	DefaultFetchInterval time.Duration // default: 1 hour

	// Пауза между регистрацией номера у агрегатора и первым запросом.
	SettleDelay  time.Duration // default: 60 seconds
	SettleJitter time.Duration // default: 0

	LastmileInterval time.Duration // default: 6 hours
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		DefaultFetchInterval: 1 * time.Hour,
		SettleDelay:          60 * time.Second,
		LastmileInterval:     6 * time.Hour,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.DefaultFetchInterval <= 0 {
		cfg.DefaultFetchInterval = def.DefaultFetchInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.SettleJitter < 0 {
		cfg.SettleJitter = 0
	}
	if cfg.LastmileInterval <= 0 {
		cfg.LastmileInterval = def.LastmileInterval
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func (p *Planner) Config() PlannerConfig { return p.cfg }

// HeadhaulDueBefore: отправки, опрошенные не позже этого момента, пора опрашивать снова.
func (p *Planner) HeadhaulDueBefore(now time.Time, iface *models.CarrierInterface) time.Time {
	d := iface.FetchInterval()
	if d <= 0 {
		d = p.cfg.DefaultFetchInterval
	}
	return now.Add(-d)
}

// QueryAfter is the earliest time a freshly registered number may be queried.
func (p *Planner) QueryAfter(now time.Time) time.Time {
	d := p.cfg.SettleDelay
	if sec := int(p.cfg.SettleJitter.Seconds()); sec > 0 {
		d += time.Duration(p.r.Intn(sec+1)) * time.Second
	}
	return now.Add(d)
}

func (p *Planner) LastmileFetchedBefore(now time.Time) time.Time {
	return now.Add(-p.cfg.LastmileInterval)
}
