package pusher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/TrailBox/internal/integrations/pushgw"
	"github.com/BearBump/TrailBox/internal/models"
	pushermocks "github.com/BearBump/TrailBox/internal/services/pusher/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var nodes = []models.CanonicalStatusNode{
	{StatusCode: "O_020", DefaultCity: "Hong Kong", DefaultCountryCode: "HK"},
	{StatusCode: "O_037", DefaultCity: "Los Angeles", DefaultCountryCode: "US", DefaultAirportCode: "LAX"},
}

func events(orderNo string, codes ...string) []models.PushEvent {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, models.TrackingZone)
	out := make([]models.PushEvent, 0, len(codes))
	for i, c := range codes {
		out = append(out, models.PushEvent{
			OrderNo:      orderNo,
			TrackingTime: base.Add(time.Duration(i) * time.Hour),
			StatusCode:   c,
			Source:       models.SourceHeadhaul,
		})
	}
	return out
}

func forOrder(orderNo string, n int) any {
	return mock.MatchedBy(func(ev []models.PushEvent) bool {
		return len(ev) == n && ev[0].OrderNo == orderNo
	})
}

type PusherSuite struct {
	suite.Suite

	now  time.Time
	repo *pushermocks.MockRepository
	gw   *pushermocks.MockGateway
}

func (s *PusherSuite) SetupTest() {
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.repo = &pushermocks.MockRepository{}
	s.gw = &pushermocks.MockGateway{}
	s.repo.On("ListNodes", mock.Anything).Return(nodes, nil).Maybe()
}

func (s *PusherSuite) service(batchSize int) *Service {
	return New(s.repo, s.gw, batchSize).WithClock(func() time.Time { return s.now })
}

func (s *PusherSuite) record(id uint64, ev []models.PushEvent) {
	s.repo.On("ReadLocked", mock.Anything, id).Return(&models.TrackingRecord{ShipmentID: id, PushEvents: ev}, nil).Once()
}

func (s *PusherSuite) TestGroupsWholeShipmentsIntoBatches() {
	s.repo.On("ListPushCandidates", mock.Anything, []uint64(nil), 1000).Return([]uint64{1, 2, 3}, nil)
	s.record(1, events("O1", "O_020", "O_037"))
	s.record(2, events("O2", "O_020", "O_037"))
	s.record(3, events("O3", "O_020"))

	s.gw.On("Push", mock.Anything, forOrder("O1", 2), mock.Anything).Return(pushgw.PushResult{Events: 2, Raw: "r1"}, nil).Once()
	s.gw.On("Push", mock.Anything, forOrder("O2", 3), mock.Anything).Return(pushgw.PushResult{Events: 3, Raw: "r2"}, nil).Once()
	s.repo.On("MarkPushed", mock.Anything, []uint64{1}, s.now, "r1").Return(nil).Once()
	s.repo.On("MarkPushed", mock.Anything, []uint64{2, 3}, s.now, "r2").Return(nil).Once()

	sum, err := s.service(3).Run(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(3, sum.Succeeded)
	s.Equal(0, sum.Failed)
	s.gw.AssertExpectations(s.T())
	s.repo.AssertExpectations(s.T())
}

func (s *PusherSuite) TestFailedBatchIsNotMarked() {
	s.repo.On("ListPushCandidates", mock.Anything, []uint64(nil), 1000).Return([]uint64{1, 2}, nil)
	s.record(1, events("O1", "O_020", "O_037"))
	s.record(2, events("O2", "O_020", "O_037"))

	s.gw.On("Push", mock.Anything, forOrder("O1", 2), mock.Anything).Return(pushgw.PushResult{Events: 2, Raw: "ok"}, nil).Once()
	s.gw.On("Push", mock.Anything, forOrder("O2", 2), mock.Anything).
		Return(pushgw.PushResult{Raw: "bad"}, errors.Wrap(models.ErrPush, "downstream http 500")).Once()
	s.repo.On("MarkPushed", mock.Anything, []uint64{1}, s.now, "ok").Return(nil).Once()

	sum, err := s.service(2).Run(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Succeeded)
	s.Equal(1, sum.Failed)
	s.Equal(uint64(2), sum.Failures[0].ShipmentID)
	s.Contains(sum.Failures[0].Reason, "downstream http 500")
	s.repo.AssertNotCalled(s.T(), "MarkPushed", mock.Anything, []uint64{2}, mock.Anything, mock.Anything)
}

func (s *PusherSuite) TestOversizedShipmentSplitAllOrNothing() {
	s.repo.On("ListPushCandidates", mock.Anything, []uint64{7}, 1000).Return([]uint64{7}, nil)
	s.record(7, events("O7", "O_020", "O_037", "O_020", "O_037", "O_020"))

	s.gw.On("Push", mock.Anything, forOrder("O7", 2), mock.Anything).Return(pushgw.PushResult{Events: 2}, nil).Once()
	s.gw.On("Push", mock.Anything, forOrder("O7", 2), mock.Anything).Return(pushgw.PushResult{}, models.ErrPush).Once()
	s.gw.On("Push", mock.Anything, forOrder("O7", 1), mock.Anything).Return(pushgw.PushResult{Events: 1}, nil).Once()

	sum, err := s.service(2).Run(context.Background(), []uint64{7})
	s.Require().NoError(err)
	s.Equal(1, sum.Failed)
	s.gw.AssertNumberOfCalls(s.T(), "Push", 3)
	s.repo.AssertNotCalled(s.T(), "MarkPushed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *PusherSuite) TestUnknownCodesAreNotPushed() {
	s.repo.On("ListPushCandidates", mock.Anything, []uint64(nil), 1000).Return([]uint64{1, 2}, nil)
	s.record(1, events("O1", "X_999"))
	s.record(2, events("O2", "O_020", "X_999"))

	s.gw.On("Push", mock.Anything, forOrder("O2", 1), mock.Anything).Return(pushgw.PushResult{Events: 1, Raw: "r"}, nil).Once()
	s.repo.On("MarkPushed", mock.Anything, []uint64{2}, s.now, "r").Return(nil).Once()

	sum, err := s.service(100).Run(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Total)
	s.gw.AssertExpectations(s.T())
}

func (s *PusherSuite) TestSnapshotFailureCountsAsFailed() {
	s.repo.On("ListPushCandidates", mock.Anything, []uint64(nil), 1000).Return([]uint64{1}, nil)
	s.repo.On("ReadLocked", mock.Anything, uint64(1)).Return(nil, models.ErrMergeConflict).Once()

	sum, err := s.service(100).Run(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(1, sum.Failed)
	s.gw.AssertNotCalled(s.T(), "Push", mock.Anything, mock.Anything, mock.Anything)
}

func (s *PusherSuite) TestCandidatesErrorIsReturned() {
	s.repo.On("ListPushCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	_, err := s.service(100).Run(context.Background(), nil)
	s.Require().Error(err)
}

func TestPusherSuite(t *testing.T) {
	suite.Run(t, new(PusherSuite))
}

func TestRun_SignedPushThroughGateway(t *testing.T) {
	var gotBody []byte
	var gotDigest, gotPartner string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotDigest = r.Header.Get("datadigest")
		gotPartner = r.Header.Get("partnercode")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := &pushermocks.MockRepository{}
	repo.On("ListNodes", mock.Anything).Return(nodes, nil)
	repo.On("ListPushCandidates", mock.Anything, []uint64(nil), 1000).Return([]uint64{1}, nil)
	repo.On("ReadLocked", mock.Anything, uint64(1)).Return(&models.TrackingRecord{ShipmentID: 1, PushEvents: events("O1", "O_020", "O_037")}, nil)
	repo.On("MarkPushed", mock.Anything, []uint64{1}, now, `{"success":true}`).Return(nil).Once()

	gw := pushgw.New(pushgw.Config{URL: srv.URL, PartnerCode: "13304", SignKey: "k"})
	sum, err := New(repo, gw, 0).WithClock(func() time.Time { return now }).Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Succeeded)

	require.Equal(t, "13304", gotPartner)
	require.Equal(t, pushgw.Sign(gotBody, "k"), gotDigest)

	var p pushgw.Payload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	require.Len(t, p.TrailList, 2)
	require.Equal(t, "2024-05-01 10:00:00", p.TrailList[0].NodeTime)
	require.Equal(t, "LAX", p.TrailList[1].RecCountyPortCd)
	repo.AssertExpectations(t)
}
