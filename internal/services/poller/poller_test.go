package poller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BearBump/TrailBox/internal/broker/messages"
	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/integrations/lastmile"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/resilience"
	pollermocks "github.com/BearBump/TrailBox/internal/services/poller/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const ifaceName = "通邮轨迹接口"

type PollerSuite struct {
	suite.Suite

	now      time.Time
	repo     *memRepo
	handler  *stubHandler
	producer *pollermocks.MockProducer
	p        *Poller
}

func (s *PollerSuite) SetupTest() {
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.repo = newMemRepo()
	s.repo.ifaces = []*models.CarrierInterface{{
		ID:   1,
		Name: ifaceName,
		StatusMapping: []models.StatusRule{
			{SupplierDescription: "离开香港", SystemStatusCode: "O_020"},
			{SupplierStatus: "5", SystemStatusCode: "O_099"},
			{SupplierStatus: "9", SystemStatusCode: "O_050"},
		},
		FetchIntervalHours: 1,
	}}
	s.repo.nodes = []models.CanonicalStatusNode{
		{StatusCode: "O_020", DefaultCity: "Hong Kong", DefaultCountryCode: "HK"},
		{StatusCode: "O_030", DefaultCity: "Los Angeles", DefaultCountryCode: "US"},
		{StatusCode: "O_050", DefaultCity: "Los Angeles", DefaultCountryCode: "US"},
		{StatusCode: "O_099"},
	}
	s.addShipment(1, s.now.Add(-24*time.Hour))

	eventAt := s.now.Add(-time.Hour)
	s.handler = &stubHandler{fn: func(sh models.Shipment) carrier.FetchResult {
		return carrier.FetchResult{
			Raw:        `{"success":true}`,
			LastmileNo: "LM" + sh.TransferNo,
			Latest: &models.RawEvent{
				Status:      "5",
				Description: "已离开香港",
				Time:        eventAt,
			},
		}
	}}
	s.producer = &pollermocks.MockProducer{}
	s.producer.On("PublishJSON", mock.Anything, messages.TopicTrackingUpdated, mock.Anything, mock.AnythingOfType("messages.TrackingUpdated")).Return(nil).Maybe()

	s.p = New(s.repo, carrier.NewRegistry().Register(ifaceName, s.handler), s.producer, messages.TopicTrackingUpdated).
		WithClock(func() time.Time { return s.now })
}

func (s *PollerSuite) addShipment(id uint64, imported time.Time) {
	s.repo.shipments[id] = models.Shipment{
		ID:                 id,
		OrderNo:            fmt.Sprintf("ORD%d", id),
		TransferNo:         fmt.Sprintf("T%d", id),
		CarrierInterfaceID: 1,
		ImportTime:         imported,
	}
}

func (s *PollerSuite) TestHeadhaul_NormalizesMergesAndPublishes() {
	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Total)
	s.Equal(1, sum.Succeeded)

	rec := s.repo.record(1)
	s.Require().NotNil(rec)
	// описание важнее кода статуса
	s.Equal("O_020", rec.StatusCode)
	s.Equal("5", rec.RawStatus)
	s.Equal("已离开香港", rec.Description)
	s.Equal("LMT1", rec.LastmileNo)
	s.Equal(`{"success":true}`, *rec.RawResponse)
	s.Nil(rec.HeadhaulError)
	s.Equal(s.now, *rec.HeadhaulFetchedAt)
	s.Equal(s.now, rec.UpdatedAt)
	s.False(rec.StopTracking)

	s.Require().Len(rec.PushEvents, 1)
	ev := rec.PushEvents[0]
	s.Equal("O_020", ev.StatusCode)
	s.Equal("Hong Kong", ev.City)
	s.Equal("HK", ev.Country)
	s.Equal(models.SourceHeadhaul, ev.Source)

	s.producer.AssertCalled(s.T(), "PublishJSON", mock.Anything, messages.TopicTrackingUpdated, "1", mock.AnythingOfType("messages.TrackingUpdated"))
}

func (s *PollerSuite) TestHeadhaul_RepeatedPollIsIdempotent() {
	_, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	first := s.repo.record(1)

	s.now = s.now.Add(2 * time.Hour)
	_, err = s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	second := s.repo.record(1)

	s.Len(second.PushEvents, 1)
	// данные не изменились: updated_at не двигается
	s.Equal(first.UpdatedAt, second.UpdatedAt)
	s.Equal(s.now, *second.HeadhaulFetchedAt)
	s.Equal(int32(2), s.handler.calls.Load())
}

func (s *PollerSuite) TestHeadhaul_MergeDuringPushStaysPushCandidate() {
	start := s.now
	s.repo.records[1] = &models.TrackingRecord{ShipmentID: 1, OrderNo: "ORD1", TransferNo: "T1", CarrierInterfaceID: 1, PushEvents: []models.PushEvent{}}
	next := s.handler.fn
	s.handler.fn = func(sh models.Shipment) carrier.FetchResult {
		// пока идёт запрос к перевозчику, параллельная отправка отмечает запись
		s.repo.markPushed(1, start.Add(5*time.Minute))
		s.now = start.Add(10 * time.Minute)
		return next(sh)
	}

	_, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)

	rec := s.repo.record(1)
	s.Require().Len(rec.PushEvents, 1)
	s.Equal(start.Add(10*time.Minute), rec.UpdatedAt)
	s.Equal(start, *rec.HeadhaulFetchedAt)
	s.True(s.repo.pushCandidate(1))
}

func (s *PollerSuite) TestHeadhaul_RemovedEventIsNotMergedAgain() {
	_, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	removed := s.repo.record(1).PushEvents[0]

	_, err = s.repo.UpdateRecord(context.Background(), 1, func(rec *models.TrackingRecord) error {
		rec.PushEvents = nil
		rec.Suppress(removed)
		return nil
	})
	s.Require().NoError(err)

	s.now = s.now.Add(2 * time.Hour)
	_, err = s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Empty(s.repo.record(1).PushEvents)
}

func (s *PollerSuite) TestHeadhaul_NotDueIsSkippedUnlessExplicit() {
	_, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)

	s.now = s.now.Add(10 * time.Minute)
	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(0, sum.Total)

	sum, err = s.p.RunHeadhaul(context.Background(), []uint64{1})
	s.Require().NoError(err)
	s.Equal(1, sum.Total)
}

func (s *PollerSuite) TestHeadhaul_UnknownCarrierFailsWholeBatch() {
	s.addShipment(2, s.now.Add(-time.Hour))
	s.repo.ifaces[0].Name = "unknown"

	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(2, sum.Failed)
	s.Equal(int32(0), s.handler.calls.Load())

	for _, id := range []uint64{1, 2} {
		rec := s.repo.record(id)
		s.Require().NotNil(rec.HeadhaulError)
		s.Contains(*rec.HeadhaulError, models.ErrConfiguration.Error())
	}
}

func (s *PollerSuite) TestHeadhaul_FailureRecordedPerShipment() {
	s.addShipment(2, s.now.Add(-time.Hour))
	ok := s.handler.fn
	s.handler.fn = func(sh models.Shipment) carrier.FetchResult {
		if sh.ID == 2 {
			return carrier.FetchResult{Raw: "<html>", Err: errors.Wrap(models.ErrTransientFetch, "http 502")}
		}
		return ok(sh)
	}

	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Succeeded)
	s.Equal(1, sum.Failed)
	s.Equal(uint64(2), sum.Failures[0].ShipmentID)

	bad := s.repo.record(2)
	s.Equal("<html>", *bad.RawResponse)
	s.Contains(*bad.HeadhaulError, "http 502")
	s.Empty(bad.PushEvents)
	s.Nil(s.repo.record(1).HeadhaulError)
}

func (s *PollerSuite) TestHeadhaul_TerminalStatusStops() {
	s.handler.fn = func(models.Shipment) carrier.FetchResult {
		return carrier.FetchResult{Raw: "{}", Latest: &models.RawEvent{Status: "9", Description: "delivered", Time: s.now}}
	}
	_, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)

	rec := s.repo.record(1)
	s.True(rec.StopTracking)
	s.Equal("terminal status O_050 reached", *rec.StopReason)

	// остановленная запись больше не опрашивается
	s.now = s.now.Add(2 * time.Hour)
	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(0, sum.Total)
}

func (s *PollerSuite) TestHeadhaul_RateLimitDefersRest() {
	s.addShipment(2, s.now.Add(-time.Hour))
	rl := &grantRL{granted: 1}
	s.p.WithRateLimiter(rl)

	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Total)
	s.NotNil(s.repo.record(1))
	s.Nil(s.repo.record(2))
	s.Equal([]string{"rl:headhaul:1:202405011200"}, rl.keys)
}

func (s *PollerSuite) TestHeadhaul_LockHeldElsewhereSkipsInterface() {
	l := &recordingLocker{busy: true}
	s.p.WithLocker(l, time.Minute)

	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(0, sum.Total)
	s.Equal(int32(0), s.handler.calls.Load())
	s.Equal([]string{"headhaul:1"}, l.keys)
}

func (s *PollerSuite) TestHeadhaul_BreakerOpensAfterTransientBatch() {
	s.handler.fn = func(models.Shipment) carrier.FetchResult {
		return carrier.FetchResult{Err: errors.Wrap(models.ErrTransientFetch, "timeout")}
	}
	s.p.WithBreakers(resilience.NewBreakers(resilience.BreakerSettings{FailureThreshold: 1, Timeout: time.Hour}))

	sum, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Failed)
	s.Equal(int32(1), s.handler.calls.Load())

	sum, err = s.p.RunHeadhaul(context.Background(), []uint64{1})
	s.Require().NoError(err)
	s.Equal(1, sum.Failed)
	s.Equal(int32(1), s.handler.calls.Load())
	s.Contains(sum.Failures[0].Reason, resilience.ErrCircuitOpen.Error())
}

func (s *PollerSuite) TestLastmile_RegisterThenQueryAfterSettle() {
	_, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)

	lm := &pollermocks.MockLastmile{}
	lm.On("Register", mock.Anything, []string{"LMT1"}).Return(`{"code":0}`, nil).Once()
	s.p.WithLastmile(lm)

	sum, err := s.p.RunLastmile(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Succeeded)

	rec := s.repo.record(1)
	s.Equal(`{"code":0}`, *rec.RegisterResponse)
	s.Equal(s.now, *rec.RegisteredAt)
	s.Equal(s.now.Add(60*time.Second), *rec.QueryAfter)
	lm.AssertNotCalled(s.T(), "Query", mock.Anything, mock.Anything)

	s.repo.mappings = []models.LastmileStatusMapping{{ID: 1, Description: "Arrived at facility", SystemStatusCode: "O_030"}}
	headhaulAt := s.now.Add(-time.Hour)
	lm.On("Query", mock.Anything, []string{"LMT1"}).Return(lastmile.QueryResult{
		Raw: `{"data":{}}`,
		Items: map[string]lastmile.Item{
			"LMT1": {Number: "LMT1", Raw: `{"number":"LMT1"}`, Events: []models.RawEvent{
				{Description: "Arrived at facility", Time: headhaulAt, City: models.Some("Ontario")},
				{Description: "Unmapped text", Time: s.now},
			}},
		},
	}, nil).Once()

	s.now = s.now.Add(61 * time.Second)
	sum, err = s.p.RunLastmile(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Succeeded)
	lm.AssertExpectations(s.T())

	rec = s.repo.record(1)
	s.Equal(`{"number":"LMT1"}`, *rec.LastmileResponse)
	s.Equal(s.now, *rec.LastmileFetchedAt)
	// последняя миля в то же время вытесняет событие первой мили
	s.Require().Len(rec.PushEvents, 1)
	s.Equal("O_030", rec.PushEvents[0].StatusCode)
	s.Equal("Ontario", rec.PushEvents[0].City)
	s.Equal("US", rec.PushEvents[0].Country)
	s.Equal(s.now, rec.UpdatedAt)
}

// registeredForQuery готовит запись, уже зарегистрированную у агрегатора.
func (s *PollerSuite) registeredForQuery(id uint64, no string, queryAfter time.Time) {
	reg, registeredAt := "{}", s.now
	s.repo.records[id] = &models.TrackingRecord{
		ShipmentID:       id,
		OrderNo:          fmt.Sprintf("ORD%d", id),
		LastmileNo:       no,
		RegisterResponse: &reg,
		RegisteredAt:     &registeredAt,
		QueryAfter:       &queryAfter,
		PushEvents:       []models.PushEvent{},
	}
}

func (s *PollerSuite) TestLastmile_RemovedEventStaysRemoved() {
	s.repo.mappings = []models.LastmileStatusMapping{
		{ID: 1, Description: "Arrived at facility", SystemStatusCode: "O_030"},
		{ID: 2, Description: "Delivered", SystemStatusCode: "O_050"},
	}
	s.registeredForQuery(1, "LMT1", s.now.Add(-time.Minute))
	arrivedAt := s.now.Add(-2 * time.Hour)

	lm := &pollermocks.MockLastmile{}
	lm.On("Query", mock.Anything, []string{"LMT1"}).Return(lastmile.QueryResult{
		Items: map[string]lastmile.Item{
			"LMT1": {Number: "LMT1", Events: []models.RawEvent{
				{Description: "Arrived at facility", Time: arrivedAt},
				{Description: "Delivered", Time: s.now.Add(-time.Hour)},
			}},
		},
	}, nil).Twice()
	s.p.WithLastmile(lm)

	_, err := s.p.RunLastmile(context.Background(), nil)
	s.Require().NoError(err)
	s.Require().Len(s.repo.record(1).PushEvents, 2)

	// ручная правка до отправки
	_, err = s.repo.UpdateRecord(context.Background(), 1, func(rec *models.TrackingRecord) error {
		for _, e := range rec.PushEvents {
			if e.StatusCode == "O_030" {
				rec.Suppress(e)
			}
		}
		rec.PushEvents = rec.PushEvents[1:]
		return nil
	})
	s.Require().NoError(err)
	before := s.repo.record(1)

	s.now = s.now.Add(2 * time.Hour)
	_, err = s.p.RunLastmile(context.Background(), []uint64{1})
	s.Require().NoError(err)
	lm.AssertExpectations(s.T())

	rec := s.repo.record(1)
	s.Require().Len(rec.PushEvents, 1)
	s.Equal("O_050", rec.PushEvents[0].StatusCode)
	s.Equal(before.UpdatedAt, rec.UpdatedAt)
}

func (s *PollerSuite) TestLastmile_IgnoresItemsForOtherNumbers() {
	s.repo.mappings = []models.LastmileStatusMapping{{ID: 1, Description: "Delivered", SystemStatusCode: "O_050"}}
	s.registeredForQuery(1, "LMT1", s.now.Add(-time.Minute))
	// запись 2 ещё ждёт окна запроса
	s.registeredForQuery(2, "LMT2", s.now.Add(time.Hour))
	before := s.repo.record(2)

	lm := &pollermocks.MockLastmile{}
	lm.On("Query", mock.Anything, []string{"LMT1"}).Return(lastmile.QueryResult{
		Items: map[string]lastmile.Item{
			"LMT2": {Number: "LMT2", Raw: `{"number":"LMT2"}`, Events: []models.RawEvent{{Description: "Delivered", Time: s.now}}},
			"LMX9": {Number: "LMX9", Raw: `{"number":"LMX9"}`, Events: []models.RawEvent{{Description: "Delivered", Time: s.now}}},
		},
	}, nil).Once()
	s.p.WithLastmile(lm)

	sum, err := s.p.RunLastmile(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Succeeded)
	lm.AssertExpectations(s.T())

	rec := s.repo.record(1)
	s.Empty(rec.PushEvents)
	s.Nil(rec.LastmileResponse)
	s.Equal(s.now, *rec.LastmileFetchedAt)

	s.Equal(before, s.repo.record(2))
	s.Len(s.repo.records, 2)
	s.producer.AssertNotCalled(s.T(), "PublishJSON", mock.Anything, mock.Anything, "1", mock.Anything)
	s.producer.AssertNotCalled(s.T(), "PublishJSON", mock.Anything, mock.Anything, "2", mock.Anything)
}

func (s *PollerSuite) TestLastmile_RegisterFailureKeepsRecordEligible() {
	_, err := s.p.RunHeadhaul(context.Background(), nil)
	s.Require().NoError(err)

	lm := &pollermocks.MockLastmile{}
	lm.On("Register", mock.Anything, mock.Anything).Return("", errors.Wrap(models.ErrTransientFetch, "aggregator http 500")).Once()
	s.p.WithLastmile(lm)

	sum, err := s.p.RunLastmile(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Failed)

	rec := s.repo.record(1)
	s.Nil(rec.RegisterResponse)
	s.Contains(*rec.LastmileError, "aggregator http 500")

	targets, err := s.repo.ListLastmileRegister(context.Background(), nil, 10)
	s.Require().NoError(err)
	s.Len(targets, 1)
}

func (s *PollerSuite) TestLastmile_BatchesOfForty() {
	for id := uint64(1); id <= 45; id++ {
		s.repo.records[id] = &models.TrackingRecord{ShipmentID: id, LastmileNo: fmt.Sprintf("N%02d", id)}
	}
	lm := &pollermocks.MockLastmile{}
	lm.On("Register", mock.Anything, mock.MatchedBy(func(n []string) bool { return len(n) == 40 })).Return("{}", nil).Once()
	lm.On("Register", mock.Anything, mock.MatchedBy(func(n []string) bool { return len(n) == 5 })).Return("{}", nil).Once()
	s.p.WithLastmile(lm)

	sum, err := s.p.RunLastmile(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(45, sum.Succeeded)
	lm.AssertExpectations(s.T())
}

func (s *PollerSuite) TestSweep_StopsExpiredAndCreatesRecords() {
	old := s.now.Add(-46 * 24 * time.Hour)
	s.addShipment(2, old)
	s.repo.records[2] = &models.TrackingRecord{ShipmentID: 2, UpdatedAt: s.now}
	s.addShipment(3, old)
	s.addShipment(4, s.now.Add(-24*time.Hour))
	s.repo.records[1] = &models.TrackingRecord{ShipmentID: 1, UpdatedAt: s.now.Add(-21 * 24 * time.Hour)}

	sum, err := s.p.RunSweep(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(3, sum.Succeeded)

	for _, id := range []uint64{1, 2, 3} {
		rec := s.repo.record(id)
		s.Require().NotNil(rec, "record %d", id)
		s.True(rec.StopTracking, "record %d", id)
	}
	s.Contains(*s.repo.record(2).StopReason, "45")
	s.Contains(*s.repo.record(3).StopReason, "45")
	s.Contains(*s.repo.record(1).StopReason, "20")
	s.Nil(s.repo.record(4))
}

func (s *PollerSuite) TestRunOnce_RunsPushPass() {
	ps := &stubPusher{}
	s.p.WithPusher(ps)
	s.p.RunOnce(context.Background())

	s.Equal(1, ps.calls)
	st := s.p.Stats()
	s.Contains(st.LastRuns, KindHeadhaul)
	s.Contains(st.LastRuns, KindSweep)
	s.Contains(st.LastRuns, KindPush)
	s.Equal(int64(4), st.TotalRuns)
	s.NotNil(st.LastCycleAt)
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func TestPoller_WithSettings(t *testing.T) {
	p := New(nil, nil, nil, "t").WithSettings(5*time.Second, 7, 9, 13)
	require.Equal(t, 5*time.Second, p.pollInterval)
	require.Equal(t, 7, p.batchSize)
	require.Equal(t, 9, p.concurrency)
	require.Equal(t, int64(13), p.rateLimitPerMinute)

	p.WithSettings(0, 0, 0, 0)
	require.Equal(t, 5*time.Second, p.pollInterval)
}

func TestPoller_Run_StopsOnContextCancel(t *testing.T) {
	repo := newMemRepo()
	p := New(repo, carrier.NewRegistry(), nil, "t").WithSettings(5*time.Millisecond, 1, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, p.Stats().TotalRuns, int64(1))
}

func TestPoller_TriggerIsNonBlocking(t *testing.T) {
	p := New(nil, nil, nil, "t")
	p.Trigger()
	p.Trigger()
	require.NotNil(t, p.Stats().LastTriggerAt)
}

func TestChunk(t *testing.T) {
	targets := make([]models.LastmileTarget, 81)
	parts := chunk(targets, 40)
	require.Len(t, parts, 3)
	require.Len(t, parts[0], 40)
	require.Len(t, parts[2], 1)
	require.Empty(t, chunk(nil, 40))
}
