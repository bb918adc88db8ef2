// Package pusher republishes canonical timelines downstream: it snapshots
// each shipment under its row lock, pushes in signed batches and records
// the push for every shipment of a successful batch.
package pusher

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/TrailBox/internal/integrations/pushgw"
	"github.com/BearBump/TrailBox/internal/metrics"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

const Kind = "push"

type Repository interface {
	ListPushCandidates(ctx context.Context, ids []uint64, limit int) ([]uint64, error)
	ReadLocked(ctx context.Context, shipmentID uint64) (*models.TrackingRecord, error)
	ListNodes(ctx context.Context) ([]models.CanonicalStatusNode, error)
	MarkPushed(ctx context.Context, ids []uint64, at time.Time, raw string) error
}

type Gateway interface {
	Push(ctx context.Context, events []models.PushEvent, nodes models.NodeSet) (pushgw.PushResult, error)
}

type Service struct {
	repo      Repository
	gw        Gateway
	batchSize int
	limit     int
	now       func() time.Time
}

func New(repo Repository, gw Gateway, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = pushgw.DefaultBatchSize
	}
	return &Service{
		repo:      repo,
		gw:        gw,
		batchSize: batchSize,
		limit:     1000,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// batch: одна подписанная отправка; ids: отправки, чьи события в неё вошли.
type batch struct {
	events []models.PushEvent
	ids    []uint64
}

// Run pushes every shipment whose timeline changed since its last push.
// Explicit ids force a push of those shipments.
func (s *Service) Run(ctx context.Context, ids []uint64) (*models.RunSummary, error) {
	// время снимка: всё, что смержится после него, уйдёт следующим проходом
	at := s.now()
	sum := models.NewRunSummary(Kind, at)

	candidates, err := s.repo.ListPushCandidates(ctx, ids, s.limit)
	if err != nil {
		return nil, errors.Wrap(err, "list push candidates")
	}
	if len(candidates) == 0 {
		return sum.Finish(s.now()), nil
	}
	nodes, err := s.repo.ListNodes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list tracking nodes")
	}
	nodeSet := models.NewNodeSet(nodes)

	snapshots := make(map[uint64][]models.PushEvent, len(candidates))
	order := make([]uint64, 0, len(candidates))
	for _, id := range candidates {
		rec, err := s.repo.ReadLocked(ctx, id)
		if err != nil {
			sum.Fail(id, err.Error())
			continue
		}
		events := knownEvents(rec.PushEvents, nodeSet)
		if len(events) == 0 {
			continue
		}
		snapshots[id] = events
		order = append(order, id)
	}

	batches := s.group(order, snapshots)
	failed := make(map[uint64]string)
	results := make([]pushgw.PushResult, len(batches))
	for i, b := range batches {
		res, err := s.gw.Push(ctx, b.events, nodeSet)
		results[i] = res
		metrics.PushBatchesTotal.WithLabelValues(metrics.Outcome(err)).Inc()
		if err != nil {
			slog.Error("push batch", "batch_id", res.BatchID, "events", len(b.events), "error", err.Error())
			for _, id := range b.ids {
				failed[id] = err.Error()
			}
			continue
		}
		metrics.PushEventsTotal.Add(float64(res.Events))
		if res.Partial {
			slog.Warn("push batch accepted partially", "batch_id", res.BatchID, "events", res.Events)
		}
	}

	for i, b := range batches {
		var ok []uint64
		for _, id := range b.ids {
			if _, bad := failed[id]; !bad {
				ok = append(ok, id)
			}
		}
		if len(ok) == 0 {
			continue
		}
		if err := s.repo.MarkPushed(ctx, ok, at, results[i].Raw); err != nil {
			slog.Error("mark pushed", "shipments", len(ok), "error", err.Error())
			for _, id := range ok {
				failed[id] = err.Error()
			}
		}
	}

	for _, id := range order {
		if reason, bad := failed[id]; bad {
			sum.Fail(id, reason)
			continue
		}
		sum.Ok()
	}
	return sum.Finish(s.now()), nil
}

// group packs whole shipments into batches of at most batchSize events.
// A shipment with more events than that is split over several batches of
// its own and counts as pushed only when all of them succeed.
func (s *Service) group(order []uint64, snapshots map[uint64][]models.PushEvent) []batch {
	var out []batch
	var cur batch
	flush := func() {
		if len(cur.events) > 0 {
			out = append(out, cur)
		}
		cur = batch{}
	}
	for _, id := range order {
		events := snapshots[id]
		if len(events) > s.batchSize {
			flush()
			for len(events) > 0 {
				n := min(len(events), s.batchSize)
				out = append(out, batch{events: events[:n:n], ids: []uint64{id}})
				events = events[n:]
			}
			continue
		}
		if len(cur.events)+len(events) > s.batchSize {
			flush()
		}
		cur.events = append(cur.events, events...)
		cur.ids = append(cur.ids, id)
	}
	flush()
	return out
}

func knownEvents(events []models.PushEvent, nodes models.NodeSet) []models.PushEvent {
	out := make([]models.PushEvent, 0, len(events))
	for _, e := range events {
		if _, ok := nodes.Lookup(e.StatusCode); ok {
			out = append(out, e)
		}
	}
	return out
}
