package poller

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrailBox/internal/cache/rediscache"
	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

// memRepo повторяет выборки pgtracking поверх map.
type memRepo struct {
	mu        sync.Mutex
	ifaces    []*models.CarrierInterface
	nodes     []models.CanonicalStatusNode
	mappings  []models.LastmileStatusMapping
	shipments map[uint64]models.Shipment
	records   map[uint64]*models.TrackingRecord
}

func newMemRepo() *memRepo {
	return &memRepo{
		shipments: make(map[uint64]models.Shipment),
		records:   make(map[uint64]*models.TrackingRecord),
	}
}

func copyRecord(r *models.TrackingRecord) *models.TrackingRecord {
	cp := *r
	cp.PushEvents = append([]models.PushEvent(nil), r.PushEvents...)
	cp.Suppressed = append([]models.SuppressedEvent(nil), r.Suppressed...)
	return &cp
}

// markPushed повторяет pgtracking.MarkPushed: updated_at не трогается.
func (r *memRepo) markPushed(id uint64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		t := at
		rec.LastPushTime = &t
	}
}

// pushCandidate: условие выборки pgtracking.ListPushCandidates без явных id.
func (r *memRepo) pushCandidate(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || len(rec.PushEvents) == 0 {
		return false
	}
	return rec.LastPushTime == nil || rec.UpdatedAt.After(*rec.LastPushTime)
}

func (r *memRepo) record(id uint64) *models.TrackingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	return copyRecord(rec)
}

func (r *memRepo) sortedShipmentIDs() []uint64 {
	ids := make([]uint64, 0, len(r.shipments))
	for id := range r.shipments {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *memRepo) ListCarrierInterfaces(context.Context) ([]*models.CarrierInterface, error) {
	return r.ifaces, nil
}

func (r *memRepo) ListNodes(context.Context) ([]models.CanonicalStatusNode, error) {
	return r.nodes, nil
}

func (r *memRepo) ListLastmileMappings(context.Context) ([]models.LastmileStatusMapping, error) {
	return r.mappings, nil
}

func (r *memRepo) ListDueHeadhaul(_ context.Context, interfaceID uint64, dueBefore time.Time, ids []uint64, limit int) ([]models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Shipment
	for _, id := range r.sortedShipmentIDs() {
		sh := r.shipments[id]
		if sh.CarrierInterfaceID != interfaceID || sh.TransferNo == "" {
			continue
		}
		rec := r.records[id]
		if rec != nil && rec.StopTracking {
			continue
		}
		if len(ids) > 0 {
			if !slices.Contains(ids, id) {
				continue
			}
		} else if rec != nil && rec.HeadhaulFetchedAt != nil && rec.HeadhaulFetchedAt.After(dueBefore) {
			continue
		}
		out = append(out, sh)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) lastmileTargets(ids []uint64, limit int, keep func(rec *models.TrackingRecord) bool) []models.LastmileTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]uint64, 0, len(r.records))
	for id := range r.records {
		keys = append(keys, id)
	}
	slices.Sort(keys)

	var out []models.LastmileTarget
	for _, id := range keys {
		rec := r.records[id]
		if rec.StopTracking || rec.LastmileNo == "" || !keep(rec) {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}
		out = append(out, models.LastmileTarget{
			ShipmentID: id,
			OrderNo:    rec.OrderNo,
			LastmileNo: rec.LastmileNo,
			ImportTime: r.shipments[id].ImportTime,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

func (r *memRepo) ListLastmileRegister(_ context.Context, ids []uint64, limit int) ([]models.LastmileTarget, error) {
	return r.lastmileTargets(ids, limit, func(rec *models.TrackingRecord) bool {
		return rec.RegisterResponse == nil
	}), nil
}

func (r *memRepo) ListLastmileQuery(_ context.Context, now, fetchedBefore time.Time, ids []uint64, limit int) ([]models.LastmileTarget, error) {
	return r.lastmileTargets(ids, limit, func(rec *models.TrackingRecord) bool {
		if rec.RegisterResponse == nil || rec.QueryAfter == nil || rec.QueryAfter.After(now) {
			return false
		}
		if len(ids) > 0 {
			return true
		}
		return rec.LastmileFetchedAt == nil || !rec.LastmileFetchedAt.After(fetchedBefore)
	}), nil
}

func (r *memRepo) ListActiveTracked(_ context.Context, afterID uint64, ids []uint64, limit int) ([]models.TrackedShipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TrackedShipment
	for id, rec := range r.records {
		if rec.StopTracking || id <= afterID {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}
		out = append(out, models.TrackedShipment{Shipment: r.shipments[id], Record: copyRecord(rec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ShipmentID < out[j].Record.ShipmentID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListUntrackedImportedBefore(_ context.Context, before time.Time, limit int) ([]models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Shipment
	for _, id := range r.sortedShipmentIDs() {
		sh := r.shipments[id]
		if _, ok := r.records[id]; ok || !sh.ImportTime.Before(before) {
			continue
		}
		out = append(out, sh)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) UpdateRecord(_ context.Context, shipmentID uint64, fn func(rec *models.TrackingRecord) error) (*models.TrackingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[shipmentID]
	if !ok {
		sh, ok := r.shipments[shipmentID]
		if !ok {
			return nil, errors.Wrapf(models.ErrNotFound, "shipment %d", shipmentID)
		}
		cur = &models.TrackingRecord{
			ShipmentID:         sh.ID,
			OrderNo:            sh.OrderNo,
			TransferNo:         sh.TransferNo,
			CarrierInterfaceID: sh.CarrierInterfaceID,
			PushEvents:         []models.PushEvent{},
		}
	}
	next := copyRecord(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if cur.StopTracking && !next.StopTracking {
		next.StopTracking, next.StopReason, next.StopTime = true, cur.StopReason, cur.StopTime
	}
	r.records[shipmentID] = next
	return copyRecord(next), nil
}

func (r *memRepo) InsertStoppedRecords(_ context.Context, recs []*models.TrackingRecord) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if _, ok := r.records[rec.ShipmentID]; ok {
			continue
		}
		r.records[rec.ShipmentID] = copyRecord(rec)
		n++
	}
	return n, nil
}

type stubHandler struct {
	calls atomic.Int32
	fn    func(sh models.Shipment) carrier.FetchResult
}

func (h *stubHandler) FetchBatch(_ context.Context, shipments []models.Shipment, _ *models.CarrierInterface) []carrier.FetchResult {
	h.calls.Add(1)
	out := make([]carrier.FetchResult, 0, len(shipments))
	for _, sh := range shipments {
		res := h.fn(sh)
		res.ShipmentID = sh.ID
		out = append(out, res)
	}
	return out
}

type grantRL struct {
	granted int64
	keys    []string
}

func (r *grantRL) AllowN(_ context.Context, key string, n, _ int64, _ time.Duration) (int64, error) {
	r.keys = append(r.keys, key)
	return min(n, r.granted), nil
}

type recordingLocker struct {
	mu   sync.Mutex
	busy bool
	keys []string
}

func (l *recordingLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	if l.busy {
		return rediscache.ErrLockNotAcquired
	}
	return fn(ctx)
}

type stubPusher struct {
	calls int
}

func (p *stubPusher) Run(_ context.Context, _ []uint64) (*models.RunSummary, error) {
	p.calls++
	s := models.NewRunSummary(KindPush, time.Now())
	s.Ok()
	return s.Finish(time.Now()), nil
}
