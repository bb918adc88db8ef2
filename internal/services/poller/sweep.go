package poller

import (
	"context"
	"log/slog"

	"github.com/BearBump/TrailBox/internal/metrics"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

const sweepPage = 500

// RunSweep evaluates stop conditions for every active record and creates
// stopped records for expired shipments that were never polled.
// The summary counts the records stopped by this run.
func (p *Poller) RunSweep(ctx context.Context, ids []uint64) (*models.RunSummary, error) {
	now := p.now()
	sum := models.NewRunSummary(KindSweep, now)

	var after uint64
	for {
		page, err := p.repo.ListActiveTracked(ctx, after, ids, sweepPage)
		if err != nil {
			if after == 0 {
				return nil, errors.Wrap(err, "list active records")
			}
			slog.Error("sweep page", "after", after, "error", err.Error())
			p.setLastError(err.Error())
			break
		}
		for _, ts := range page {
			after = ts.Record.ShipmentID
			if _, hit := p.stop.Check(ts.Shipment, ts.Record, now); !hit {
				continue
			}
			sh := ts.Shipment
			stopped := false
			rec, err := p.repo.UpdateRecord(ctx, sh.ID, func(rec *models.TrackingRecord) error {
				// под блокировкой запись могла обновиться: проверяем ещё раз
				stopped = p.stop.Apply(sh, rec, now)
				return nil
			})
			if err != nil {
				sum.Fail(sh.ID, err.Error())
				continue
			}
			if !stopped {
				continue
			}
			sum.Ok()
			metrics.StoppedTotal.WithLabelValues("record").Inc()
			slog.Info("tracking stopped", "shipment_id", sh.ID, "reason", deref(rec.StopReason))
			p.publish(ctx, rec, KindSweep, now)
		}
		if len(page) < sweepPage {
			break
		}
	}

	if len(ids) == 0 {
		p.stopUntracked(ctx, sum)
	}
	return sum.Finish(p.now()), nil
}

func (p *Poller) stopUntracked(ctx context.Context, sum *models.RunSummary) {
	now := sum.StartedAt
	untracked, err := p.repo.ListUntrackedImportedBefore(ctx, now.Add(-p.stop.Settings().MaxAge), sweepPage)
	if err != nil {
		slog.Error("list untracked shipments", "error", err.Error())
		p.setLastError(err.Error())
		return
	}
	recs := make([]*models.TrackingRecord, 0, len(untracked))
	for _, sh := range untracked {
		if p.stop.Expired(sh, now) {
			recs = append(recs, p.stop.StoppedRecord(sh, now))
		}
	}
	if len(recs) == 0 {
		return
	}
	n, err := p.repo.InsertStoppedRecords(ctx, recs)
	if err != nil {
		slog.Error("insert stopped records", "error", err.Error())
		for _, r := range recs {
			sum.Fail(r.ShipmentID, err.Error())
		}
		return
	}
	for i := 0; i < n; i++ {
		sum.Ok()
	}
	metrics.StoppedTotal.WithLabelValues("untracked").Add(float64(n))
	slog.Info("stopped untracked shipments", "count", n)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
