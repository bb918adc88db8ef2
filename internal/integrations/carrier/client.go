package carrier

import (
	"context"
	"sort"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

var ErrUnknownCarrier = errors.New("unknown carrier interface")

// FetchResult: результат опроса одной отправки. Raw сохраняется как есть,
// даже если Err != nil.
type FetchResult struct {
	ShipmentID uint64
	Raw        string
	// Latest: самое свежее событие; nil, если перевозчик ещё ничего не вернул.
	Latest     *models.RawEvent
	LastmileNo string
	Err        error
}

// Handler опрашивает пачку отправок одного интерфейса. Каждый результат
// независим: ошибка по одной отправке не валит остальные.
type Handler interface {
	FetchBatch(ctx context.Context, shipments []models.Shipment, iface *models.CarrierInterface) []FetchResult
}

// Fetcher: перевозчик без пакетного API.
type Fetcher interface {
	Fetch(ctx context.Context, sh models.Shipment, iface *models.CarrierInterface) (FetchResult, error)
}

type sequential struct {
	f Fetcher
}

// Sequential adapts a single-shipment Fetcher to Handler.
func Sequential(f Fetcher) Handler {
	return &sequential{f: f}
}

func (s *sequential) FetchBatch(ctx context.Context, shipments []models.Shipment, iface *models.CarrierInterface) []FetchResult {
	out := make([]FetchResult, 0, len(shipments))
	for _, sh := range shipments {
		if err := ctx.Err(); err != nil {
			out = append(out, FetchResult{ShipmentID: sh.ID, Err: errors.Wrap(models.ErrTransientFetch, err.Error())})
			continue
		}
		if sh.TransferNo == "" {
			out = append(out, FetchResult{ShipmentID: sh.ID, Err: errors.Wrap(models.ErrData, "empty transfer number")})
			continue
		}
		res, err := s.f.Fetch(ctx, sh, iface)
		res.ShipmentID = sh.ID
		if err != nil {
			res.Err = err
		}
		out = append(out, res)
	}
	return out
}

// FailAll builds one identical failure per shipment.
func FailAll(shipments []models.Shipment, err error) []FetchResult {
	out := make([]FetchResult, 0, len(shipments))
	for _, sh := range shipments {
		out = append(out, FetchResult{ShipmentID: sh.ID, Err: err})
	}
	return out
}

// Registry maps carrier interface names to handlers. Filled once at startup.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) *Registry {
	r.handlers[name] = h
	return r
}

func (r *Registry) Resolve(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, errors.Wrapf(models.ErrConfiguration, "%s: %q", ErrUnknownCarrier.Error(), name)
	}
	return h, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
