package trackings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/TrailBox/internal/broker/messages"
	"github.com/BearBump/TrailBox/internal/cache"
	"github.com/BearBump/TrailBox/internal/integrations/carrier/fields"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/services/merge"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type Repository interface {
	GetRecord(ctx context.Context, shipmentID uint64) (*models.TrackingRecord, error)
	GetRecordsByIDs(ctx context.Context, ids []uint64) ([]*models.TrackingRecord, error)
	ListRecords(ctx context.Context, f models.RecordFilter) ([]*models.TrackingRecord, error)
	UpdateRecord(ctx context.Context, shipmentID uint64, fn func(rec *models.TrackingRecord) error) (*models.TrackingRecord, error)
	ResumeRecord(ctx context.Context, shipmentID uint64, now time.Time) error

	ListCarrierInterfaces(ctx context.Context) ([]*models.CarrierInterface, error)
	GetCarrierInterface(ctx context.Context, id uint64) (*models.CarrierInterface, error)
	CreateCarrierInterface(ctx context.Context, c *models.CarrierInterface) (*models.CarrierInterface, error)
	UpdateCarrierInterface(ctx context.Context, c *models.CarrierInterface) (*models.CarrierInterface, error)
	DeleteCarrierInterface(ctx context.Context, id uint64) error

	ListNodes(ctx context.Context) ([]models.CanonicalStatusNode, error)
	UpsertNode(ctx context.Context, n models.CanonicalStatusNode) error
	DeleteNode(ctx context.Context, code string) error

	ListLastmileMappings(ctx context.Context) ([]models.LastmileStatusMapping, error)
	CreateLastmileMapping(ctx context.Context, m models.LastmileStatusMapping) (models.LastmileStatusMapping, error)
	UpdateLastmileMapping(ctx context.Context, m models.LastmileStatusMapping) error
	DeleteLastmileMapping(ctx context.Context, id uint64) error
}

// Status: текущее состояние отправки, то что отдаём клиентам и держим в кэше.
type Status struct {
	ShipmentID   uint64            `json:"shipment_id"`
	OrderNo      string            `json:"order_no"`
	StatusCode   string            `json:"status_code"`
	Description  string            `json:"description"`
	TrackingTime *time.Time        `json:"tracking_time,omitempty"`
	LastmileNo   string            `json:"lastmile_no,omitempty"`
	LastEvent    *models.PushEvent `json:"last_event,omitempty"`
	Events       int               `json:"events"`
	StopTracking bool              `json:"stop_tracking"`
	StopReason   string            `json:"stop_reason,omitempty"`
	LastPushTime *time.Time        `json:"last_push_time,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func StatusOf(rec *models.TrackingRecord) *Status {
	st := &Status{
		ShipmentID:   rec.ShipmentID,
		OrderNo:      rec.OrderNo,
		StatusCode:   rec.StatusCode,
		Description:  rec.Description,
		TrackingTime: rec.TrackingTime,
		LastmileNo:   rec.LastmileNo,
		Events:       len(rec.PushEvents),
		StopTracking: rec.StopTracking,
		LastPushTime: rec.LastPushTime,
		UpdatedAt:    rec.UpdatedAt,
	}
	if n := len(rec.PushEvents); n > 0 {
		last := rec.PushEvents[n-1]
		st.LastEvent = &last
	}
	if rec.StopReason != nil {
		st.StopReason = *rec.StopReason
	}
	return st
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
	validate   *validator.Validate
	fields     *fields.Evaluator
	now        func() time.Time
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		cache:      c,
		currentTTL: currentTTL,
		validate:   validator.New(),
		fields:     fields.NewEvaluator(),
		now:        time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

func (s *Service) GetStatus(ctx context.Context, shipmentID uint64) (*Status, error) {
	out, err := s.GetStatuses(ctx, []uint64{shipmentID})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(models.ErrNotFound, "record %d", shipmentID)
	}
	return out[0], nil
}

// GetStatuses returns statuses in the order of ids; unknown ids are skipped.
// Кэш best effort: ошибки Redis означают промах.
func (s *Service) GetStatuses(ctx context.Context, ids []uint64) ([]*Status, error) {
	if len(ids) == 0 {
		return []*Status{}, nil
	}
	if len(ids) > 500 {
		return nil, errors.Wrap(models.ErrInvalidInput, "too many ids (max 500)")
	}

	miss := make([]uint64, 0, len(ids))
	got := make(map[uint64]*Status, len(ids))

	if s.cacheEnabled() {
		cached := s.cached(ctx, ids)
		for _, id := range ids {
			b, ok := cached[id]
			if !ok {
				miss = append(miss, id)
				continue
			}
			var st Status
			if json.Unmarshal(b, &st) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &st
		}
	} else {
		miss = ids
	}

	if len(miss) > 0 {
		recs, err := s.repo.GetRecordsByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			st := StatusOf(rec)
			got[rec.ShipmentID] = st
			s.store(ctx, st)
		}
	}

	out := make([]*Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := got[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Service) GetRecord(ctx context.Context, shipmentID uint64) (*models.TrackingRecord, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(models.ErrInvalidInput, "shipment_id is required")
	}
	return s.repo.GetRecord(ctx, shipmentID)
}

func (s *Service) ListRecords(ctx context.Context, f models.RecordFilter) ([]*models.TrackingRecord, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, errors.Wrap(models.ErrInvalidInput, "limit and offset must be non-negative")
	}
	return s.repo.ListRecords(ctx, f)
}

func (s *Service) GetPushEvents(ctx context.Context, shipmentID uint64) ([]models.PushEvent, error) {
	rec, err := s.GetRecord(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	return rec.PushEvents, nil
}

// ReplaceManualEvents replaces the operator-entered part of the timeline.
// Head-haul and last-mile events stay; the new events are merged as manual.
func (s *Service) ReplaceManualEvents(ctx context.Context, shipmentID uint64, events []models.PushEvent) ([]models.PushEvent, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(models.ErrInvalidInput, "shipment_id is required")
	}
	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list tracking nodes")
	}
	nodeSet := models.NewNodeSet(nodes)

	incoming := make([]models.PushEvent, 0, len(events))
	for i, ev := range events {
		if ev.TrackingTime.IsZero() {
			return nil, errors.Wrapf(models.ErrInvalidInput, "event %d: tracking_time is required", i)
		}
		node, ok := nodeSet.Lookup(ev.StatusCode)
		if !ok {
			return nil, errors.Wrapf(models.ErrInvalidInput, "event %d: unknown status code %q", i, ev.StatusCode)
		}
		ev.TrackingTime = models.NormalizeTrackingTime(ev.TrackingTime)
		ev.Source = models.SourceManual
		if ev.Description == "" {
			ev.Description = node.StatusDescription
		}
		if ev.City == "" {
			ev.City = node.DefaultCity
		}
		if ev.Country == "" {
			ev.Country = node.DefaultCountryCode
		}
		incoming = append(incoming, ev)
	}

	rec, err := s.repo.UpdateRecord(ctx, shipmentID, func(rec *models.TrackingRecord) error {
		kept := make([]models.PushEvent, 0, len(rec.PushEvents))
		for _, e := range rec.PushEvents {
			if e.Source != models.SourceManual {
				kept = append(kept, e)
			}
		}
		for i := range incoming {
			incoming[i].OrderNo = rec.OrderNo
		}
		merged := merge.Merge(kept, incoming)
		if !merge.Equal(merged, rec.PushEvents) {
			rec.PushEvents = merged
			rec.Touch(s.now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, rec)
	return rec.PushEvents, nil
}

func (s *Service) RemovePushEvent(ctx context.Context, shipmentID uint64, at time.Time, code string) error {
	if shipmentID == 0 || at.IsZero() || strings.TrimSpace(code) == "" {
		return errors.Wrap(models.ErrInvalidInput, "shipment_id, time and code are required")
	}
	rec, err := s.repo.UpdateRecord(ctx, shipmentID, func(rec *models.TrackingRecord) error {
		out, removed := merge.Remove(rec.PushEvents, at, code)
		if len(removed) == 0 {
			return errors.Wrapf(models.ErrNotFound, "event %s at %s", code, at.Format(models.TrackingTimeLayout))
		}
		rec.PushEvents = out
		for _, e := range removed {
			// ручные события переписывает только ReplaceManualEvents
			if e.Source != models.SourceManual {
				rec.Suppress(e)
			}
		}
		rec.Touch(s.now())
		return nil
	})
	if err != nil {
		return err
	}
	s.refresh(ctx, rec)
	return nil
}

// SetLastmileNo stores the last-mile number; a changed number is registered
// at the aggregator again by the worker.
func (s *Service) SetLastmileNo(ctx context.Context, shipmentID uint64, no string) (*models.TrackingRecord, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(models.ErrInvalidInput, "shipment_id is required")
	}
	if strings.TrimSpace(no) == "" {
		return nil, errors.Wrap(models.ErrInvalidInput, "lastmile_no is required")
	}
	rec, err := s.repo.UpdateRecord(ctx, shipmentID, func(rec *models.TrackingRecord) error {
		if rec.SetLastmileNo(no) {
			rec.LastmileError = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, rec)
	return rec, nil
}

// Resume clears stop_tracking. Only an operator can do this.
func (s *Service) Resume(ctx context.Context, shipmentID uint64) error {
	if shipmentID == 0 {
		return errors.Wrap(models.ErrInvalidInput, "shipment_id is required")
	}
	if err := s.repo.ResumeRecord(ctx, shipmentID, s.now()); err != nil {
		return err
	}
	s.invalidate(ctx, shipmentID)
	return nil
}

// ApplyTrackingUpdated refreshes the cached status after the worker committed
// a record.
func (s *Service) ApplyTrackingUpdated(ctx context.Context, msg messages.TrackingUpdated) error {
	if msg.ShipmentID == 0 {
		return errors.New("shipment_id is required")
	}
	if !s.cacheEnabled() {
		return nil
	}
	// Просто перезагрузим из БД одну запись.
	recs, err := s.repo.GetRecordsByIDs(ctx, []uint64{msg.ShipmentID})
	if err != nil {
		// без перезагрузки хотя бы сбрасываем устаревший статус
		slog.Warn("reload record for cache", "shipment_id", msg.ShipmentID, "error", err.Error())
		s.invalidate(ctx, msg.ShipmentID)
		return nil
	}
	if len(recs) != 1 {
		s.invalidate(ctx, msg.ShipmentID)
		return nil
	}
	s.store(ctx, StatusOf(recs[0]))
	return nil
}

// multiGetter is implemented by caches that can read many keys at once.
type multiGetter interface {
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
}

// cached returns the cached payloads by id; any cache error means a miss.
func (s *Service) cached(ctx context.Context, ids []uint64) map[uint64][]byte {
	out := make(map[uint64][]byte, len(ids))
	if mg, ok := s.cache.(multiGetter); ok {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = currentKey(id)
		}
		vals, err := mg.GetMany(ctx, keys)
		if err != nil {
			return out
		}
		for i, id := range ids {
			if b, ok := vals[keys[i]]; ok {
				out[id] = b
			}
		}
		return out
	}
	for _, id := range ids {
		b, ok, err := s.cache.Get(ctx, currentKey(id))
		if err == nil && ok {
			out[id] = b
		}
	}
	return out
}

func (s *Service) refresh(ctx context.Context, rec *models.TrackingRecord) {
	if rec == nil {
		return
	}
	s.store(ctx, StatusOf(rec))
}

func (s *Service) store(ctx context.Context, st *Status) {
	if !s.cacheEnabled() {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(st.ShipmentID), b, s.currentTTL)
}

func (s *Service) invalidate(ctx context.Context, shipmentID uint64) {
	if !s.cacheEnabled() {
		return
	}
	_ = s.cache.Delete(ctx, currentKey(shipmentID))
}

func currentKey(id uint64) string {
	return fmt.Sprintf("tracking:%d:current", id)
}
