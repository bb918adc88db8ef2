// Package resilience holds per-carrier circuit breakers and the retry policy
// used for row-lock contention.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerSettings struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      1,
		Interval:         10 * time.Minute,
		Timeout:          5 * time.Minute,
		FailureThreshold: 3,
	}
}

// Breakers: реестр автоматов по имени (обычно имя интерфейса перевозчика).
type Breakers struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker
	onChange func(name string, to gobreaker.State)
}

func NewBreakers(s BreakerSettings) *Breakers {
	def := DefaultBreakerSettings()
	if s.MaxRequests == 0 {
		s.MaxRequests = def.MaxRequests
	}
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	return &Breakers{settings: s, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// OnStateChange registers a hook (metrics). Must be called before first use.
func (b *Breakers) OnStateChange(fn func(name string, to gobreaker.State)) *Breakers {
	b.onChange = fn
	return b
}

func (b *Breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[name]; ok {
		return cb
	}
	threshold := b.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: b.settings.MaxRequests,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if b.onChange != nil {
				b.onChange(name, to)
			}
		},
	})
	b.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker. When the breaker is open fn is
// not called and ErrCircuitOpen is returned.
func (b *Breakers) Execute(name string, fn func() error) error {
	_, err := b.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(ErrCircuitOpen, name)
	}
	return err
}

type BreakerStatus struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

func (b *Breakers) Status() []BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BreakerStatus, 0, len(b.breakers))
	for name, cb := range b.breakers {
		c := cb.Counts()
		out = append(out, BreakerStatus{
			Name:                name,
			State:               cb.State().String(),
			Requests:            c.Requests,
			TotalFailures:       c.TotalFailures,
			ConsecutiveFailures: c.ConsecutiveFailures,
		})
	}
	return out
}
