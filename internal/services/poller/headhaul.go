package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/TrailBox/internal/cache/rediscache"
	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/metrics"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/resilience"
	"github.com/BearBump/TrailBox/internal/services/merge"
	"github.com/BearBump/TrailBox/internal/services/normalize"
	"github.com/pkg/errors"
)

// RunHeadhaul polls every carrier interface once. Interfaces are processed
// in parallel, bounded by the concurrency setting. Explicit ids restrict the
// run to those shipments and ignore the fetch interval.
func (p *Poller) RunHeadhaul(ctx context.Context, ids []uint64) (*models.RunSummary, error) {
	now := p.now()
	sum := models.NewRunSummary(KindHeadhaul, now)

	ifaces, err := p.repo.ListCarrierInterfaces(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list carrier interfaces")
	}
	nodes, err := p.repo.ListNodes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list tracking nodes")
	}
	nodeSet := models.NewNodeSet(nodes)

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, iface := range ifaces {
		iface := iface
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			s := p.pollInterface(ctx, iface, nodeSet, ids, now)
			mu.Lock()
			sum.Add(s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return sum.Finish(p.now()), nil
}

func (p *Poller) pollInterface(ctx context.Context, iface *models.CarrierInterface, nodes models.NodeSet, ids []uint64, now time.Time) *models.RunSummary {
	sum := models.NewRunSummary(KindHeadhaul, now)

	run := func(ctx context.Context) error {
		shipments, err := p.repo.ListDueHeadhaul(ctx, iface.ID, p.planner.HeadhaulDueBefore(now, iface), ids, p.batchSize)
		if err != nil {
			return errors.Wrap(err, "list due shipments")
		}
		if len(shipments) == 0 {
			return nil
		}
		shipments, err = p.limit(ctx, iface, shipments, now)
		if err != nil {
			return err
		}

		var results []carrier.FetchResult
		h, err := p.registry.Resolve(iface.Name)
		if err != nil {
			// неизвестный перевозчик: вся пачка падает с ошибкой конфигурации
			results = carrier.FailAll(shipments, err)
		} else {
			results = p.fetch(ctx, h, iface, shipments)
		}

		byID := make(map[uint64]models.Shipment, len(shipments))
		for _, sh := range shipments {
			byID[sh.ID] = sh
		}
		for _, res := range results {
			sh, ok := byID[res.ShipmentID]
			if !ok {
				continue
			}
			if err := p.applyHeadhaul(ctx, sh, iface, nodes, res, now); err != nil {
				slog.Error("apply headhaul result", "shipment_id", sh.ID, "interface", iface.Name, "error", err.Error())
				sum.Fail(sh.ID, err.Error())
				continue
			}
			if res.Err != nil {
				sum.Fail(sh.ID, res.Err.Error())
				continue
			}
			sum.Ok()
		}
		return nil
	}

	var err error
	if p.locker == nil {
		err = run(ctx)
	} else {
		err = p.locker.WithLock(ctx, fmt.Sprintf("headhaul:%d", iface.ID), p.lockTTL, run)
	}
	switch {
	case errors.Is(err, rediscache.ErrLockNotAcquired):
		slog.Info("interface is polled by another worker", "interface", iface.Name)
	case err != nil:
		slog.Error("poll interface", "interface", iface.Name, "error", err.Error())
		p.setLastError(err.Error())
	}
	return sum
}

// limit trims the batch to what the per-interface rate limit still allows.
// Deferred shipments stay due and are picked up next cycle.
func (p *Poller) limit(ctx context.Context, iface *models.CarrierInterface, shipments []models.Shipment, now time.Time) ([]models.Shipment, error) {
	if p.rl == nil || p.rateLimitPerMinute <= 0 {
		return shipments, nil
	}
	minuteKey := fmt.Sprintf("rl:headhaul:%d:%s", iface.ID, now.Format("200601021504"))
	granted, err := p.rl.AllowN(ctx, minuteKey, int64(len(shipments)), p.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "rate limit")
	}
	if granted < int64(len(shipments)) {
		slog.Warn("rate limit exceeded", "interface", iface.Name, "granted", granted, "wanted", len(shipments))
		metrics.RateLimitHits.WithLabelValues(iface.Name).Add(float64(int64(len(shipments)) - granted))
		shipments = shipments[:granted]
	}
	return shipments, nil
}

// fetch runs the batch through the interface's circuit breaker. A batch
// where every shipment failed transiently counts as one breaker failure.
func (p *Poller) fetch(ctx context.Context, h carrier.Handler, iface *models.CarrierInterface, shipments []models.Shipment) []carrier.FetchResult {
	var results []carrier.FetchResult
	call := func() error {
		results = h.FetchBatch(ctx, shipments, iface)
		if allTransient(results) {
			return errors.Wrap(models.ErrTransientFetch, "whole batch failed")
		}
		return nil
	}

	var err error
	if p.breakers == nil {
		err = call()
	} else {
		err = p.breakers.Execute(iface.Name, call)
	}
	metrics.CarrierRequestsTotal.WithLabelValues(iface.Name, metrics.Outcome(err)).Inc()
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return carrier.FailAll(shipments, errors.Wrap(models.ErrTransientFetch, err.Error()))
	}
	return results
}

func allTransient(results []carrier.FetchResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !errors.Is(r.Err, models.ErrTransientFetch) {
			return false
		}
	}
	return true
}

// applyHeadhaul stores one fetch result inside the per-shipment locked update:
// raw payload, last-mile number, normalized latest event merged into the
// timeline, stop conditions.
func (p *Poller) applyHeadhaul(ctx context.Context, sh models.Shipment, iface *models.CarrierInterface, nodes models.NodeSet, res carrier.FetchResult, now time.Time) error {
	rec, err := p.repo.UpdateRecord(ctx, sh.ID, func(rec *models.TrackingRecord) error {
		fetchedAt := now
		rec.HeadhaulFetchedAt = &fetchedAt
		if res.Raw != "" {
			raw := res.Raw
			rec.RawResponse = &raw
		}
		if res.Err != nil {
			msg := res.Err.Error()
			rec.HeadhaulError = &msg
			p.stop.Apply(sh, rec, now)
			return nil
		}
		rec.HeadhaulError = nil

		changed := rec.SetLastmileNo(res.LastmileNo)
		if res.Latest != nil && updateHeadhaulState(rec, *res.Latest, iface, nodes) {
			changed = true
		}
		if changed {
			// время фиксации, а не начала прогона: отправка сравнивает его с last_push_time
			rec.Touch(p.now())
		}
		p.stop.Apply(sh, rec, now)
		return nil
	})
	if err != nil {
		return err
	}
	p.publish(ctx, rec, models.SourceHeadhaul, now)
	return nil
}

// updateHeadhaulState copies the latest carrier event onto the record and
// merges its canonical event. Reports whether anything changed.
func updateHeadhaulState(rec *models.TrackingRecord, latest models.RawEvent, iface *models.CarrierInterface, nodes models.NodeSet) bool {
	res := normalize.Headhaul(rec.OrderNo, latest, iface.StatusMapping, nodes)

	changed := false
	desc := strings.TrimSpace(latest.Description)
	raw := strings.TrimSpace(latest.Status)
	if rec.Description != desc || rec.StatusCode != res.Code || rec.RawStatus != raw {
		rec.Description, rec.StatusCode, rec.RawStatus = desc, res.Code, raw
		changed = true
	}
	if !latest.Time.IsZero() {
		t := models.NormalizeTrackingTime(latest.Time)
		if rec.TrackingTime == nil || !rec.TrackingTime.Equal(t) {
			rec.TrackingTime = &t
			changed = true
		}
	}

	if res.Emit {
		merged := merge.Merge(rec.PushEvents, merge.Drop([]models.PushEvent{res.Event}, rec.Suppressed))
		if !merge.Equal(merged, rec.PushEvents) {
			rec.PushEvents = merged
			changed = true
		}
	}
	return changed
}
