package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/TrailBox/internal/integrations/lastmile"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/services/merge"
	"github.com/BearBump/TrailBox/internal/services/normalize"
	"github.com/pkg/errors"
)

var errLastmileChanged = errors.New("last-mile number changed during run")

// RunLastmile registers new last-mile numbers at the aggregator and queries
// the ones whose settle delay has passed. Register and query of the same
// number never happen in one run: query_after separates them.
func (p *Poller) RunLastmile(ctx context.Context, ids []uint64) (*models.RunSummary, error) {
	now := p.now()
	sum := models.NewRunSummary(KindLastmile, now)
	if p.lastmile == nil {
		return sum.Finish(now), nil
	}

	reg, err := p.registerLastmile(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	sum.Add(reg)

	q, err := p.queryLastmile(ctx, ids, now)
	if err != nil {
		slog.Error("lastmile query phase", "error", err.Error())
		p.setLastError(err.Error())
	}
	sum.Add(q)
	return sum.Finish(p.now()), nil
}

func (p *Poller) registerLastmile(ctx context.Context, ids []uint64, now time.Time) (*models.RunSummary, error) {
	sum := models.NewRunSummary(KindLastmile, now)
	targets, err := p.repo.ListLastmileRegister(ctx, ids, p.lastmileLimit())
	if err != nil {
		return nil, errors.Wrap(err, "list lastmile register targets")
	}

	for _, batch := range chunk(targets, lastmile.MaxBatch) {
		raw, regErr := p.lastmile.Register(ctx, numbersOf(batch))
		if regErr != nil {
			slog.Warn("lastmile register", "numbers", len(batch), "error", regErr.Error())
		}
		queryAfter := p.planner.QueryAfter(now)

		for _, t := range batch {
			t := t
			_, err := p.repo.UpdateRecord(ctx, t.ShipmentID, func(rec *models.TrackingRecord) error {
				if rec.LastmileNo != t.LastmileNo {
					return errLastmileChanged
				}
				if regErr != nil {
					// register_response остаётся пустым: запись попадёт в следующий цикл
					msg := regErr.Error()
					rec.LastmileError = &msg
					return nil
				}
				resp, at, qa := raw, now, queryAfter
				rec.RegisterResponse = &resp
				rec.RegisteredAt = &at
				rec.QueryAfter = &qa
				rec.LastmileError = nil
				return nil
			})
			switch {
			case err != nil:
				sum.Fail(t.ShipmentID, err.Error())
			case regErr != nil:
				sum.Fail(t.ShipmentID, "register: "+regErr.Error())
			default:
				sum.Ok()
			}
		}
	}
	return sum, nil
}

func (p *Poller) queryLastmile(ctx context.Context, ids []uint64, now time.Time) (*models.RunSummary, error) {
	sum := models.NewRunSummary(KindLastmile, now)
	targets, err := p.repo.ListLastmileQuery(ctx, now, p.planner.LastmileFetchedBefore(now), ids, p.lastmileLimit())
	if err != nil {
		return sum, errors.Wrap(err, "list lastmile query targets")
	}
	if len(targets) == 0 {
		return sum, nil
	}
	mappings, err := p.repo.ListLastmileMappings(ctx)
	if err != nil {
		return sum, errors.Wrap(err, "list lastmile mappings")
	}
	nodes, err := p.repo.ListNodes(ctx)
	if err != nil {
		return sum, errors.Wrap(err, "list tracking nodes")
	}
	nodeSet := models.NewNodeSet(nodes)

	for _, batch := range chunk(targets, lastmile.MaxBatch) {
		res, qErr := p.lastmile.Query(ctx, numbersOf(batch))
		if qErr != nil {
			slog.Warn("lastmile query", "numbers", len(batch), "error", qErr.Error())
		}
		for _, t := range batch {
			t := t
			item, found := res.Items[t.LastmileNo]
			rec, err := p.repo.UpdateRecord(ctx, t.ShipmentID, func(rec *models.TrackingRecord) error {
				if rec.LastmileNo != t.LastmileNo {
					return errLastmileChanged
				}
				fetchedAt := now
				rec.LastmileFetchedAt = &fetchedAt
				sh := models.Shipment{ID: t.ShipmentID, OrderNo: t.OrderNo, ImportTime: t.ImportTime}
				if qErr != nil {
					msg := qErr.Error()
					rec.LastmileError = &msg
					p.stop.Apply(sh, rec, now)
					return nil
				}
				rec.LastmileError = nil
				if found {
					applyLastmileItem(rec, item, mappings, nodeSet, p.now())
				}
				p.stop.Apply(sh, rec, now)
				return nil
			})
			switch {
			case err != nil:
				sum.Fail(t.ShipmentID, err.Error())
				continue
			case qErr != nil:
				sum.Fail(t.ShipmentID, "query: "+qErr.Error())
				continue
			}
			sum.Ok()
			if found {
				p.publish(ctx, rec, models.SourceLastmile, now)
			}
		}
	}
	return sum, nil
}

// applyLastmileItem stores the aggregator item and merges every mapped event
// that was not removed by hand. changedAt is the time the row lock is held.
func applyLastmileItem(rec *models.TrackingRecord, item lastmile.Item, mappings []models.LastmileStatusMapping, nodes models.NodeSet, changedAt time.Time) {
	raw := item.Raw
	rec.LastmileResponse = &raw

	incoming := make([]models.PushEvent, 0, len(item.Events))
	for _, ev := range item.Events {
		if r := normalize.Lastmile(rec.OrderNo, ev, mappings, nodes); r.Emit {
			incoming = append(incoming, r.Event)
		}
	}
	incoming = merge.Drop(incoming, rec.Suppressed)
	if len(incoming) == 0 {
		return
	}
	merged := merge.Merge(rec.PushEvents, incoming)
	if !merge.Equal(merged, rec.PushEvents) {
		rec.PushEvents = merged
		rec.Touch(changedAt)
	}
}

func (p *Poller) lastmileLimit() int {
	return p.batchSize * 4
}

func chunk(targets []models.LastmileTarget, size int) [][]models.LastmileTarget {
	var out [][]models.LastmileTarget
	for size < len(targets) {
		targets, out = targets[size:], append(out, targets[:size:size])
	}
	if len(targets) > 0 {
		out = append(out, targets)
	}
	return out
}

func numbersOf(batch []models.LastmileTarget) []string {
	out := make([]string, 0, len(batch))
	for _, t := range batch {
		out = append(out, t.LastmileNo)
	}
	return out
}
