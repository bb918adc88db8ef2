package emulatorv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchBatch_OK(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/tracking/batch", r.URL.Path)
		require.Equal(t, "k1", r.Header.Get("X-Api-Key"))

		var req batchReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"A1", "B2", "C3"}, req.TrackNumbers)

		_, _ = w.Write([]byte(`{"items":[
  {"track_number":"A1","lastmile_no":"LM1","events":[
    {"event_time":"2025-01-01T00:00:00Z","status_raw":"ACCEPTED","message":"Accepted","location":"Shenzhen"},
    {"event_time":"2025-01-01T00:10:00Z","status_raw":"DEPARTED","message":"Departed","location":"Hong Kong"}
  ]},
  {"track_number":"B2","error":"unknown number"}
]}`))
	}))
	defer srv.Close()

	ifc := &models.CarrierInterface{Name: InterfaceName, RequestURL: srv.URL + "/", AuthParams: json.RawMessage(`{"api_key":"k1"}`)}
	var h carrier.Handler = New(0, nil)
	res := h.FetchBatch(context.Background(), []models.Shipment{
		{ID: 1, TransferNo: "A1"},
		{ID: 2, TransferNo: "B2"},
		{ID: 3, TransferNo: "C3"},
		{ID: 4},
	}, ifc)

	require.Equal(t, 1, calls)
	require.Len(t, res, 4)

	require.NoError(t, res[0].Err)
	require.Equal(t, "LM1", res[0].LastmileNo)
	require.Equal(t, "DEPARTED", res[0].Latest.Status)
	require.Equal(t, "Hong Kong", res[0].Latest.City.Value())

	require.ErrorIs(t, res[1].Err, models.ErrTransientFetch)
	require.Contains(t, res[1].Raw, "unknown number")

	require.ErrorIs(t, res[2].Err, models.ErrTransientFetch)
	require.ErrorIs(t, res[3].Err, models.ErrData)
}

func TestClient_FetchBatch_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := New(0, nil).FetchBatch(context.Background(), []models.Shipment{{ID: 1, TransferNo: "A1"}, {ID: 2, TransferNo: "B2"}},
		&models.CarrierInterface{RequestURL: srv.URL})
	require.Len(t, res, 2)
	for _, r := range res {
		require.ErrorIs(t, r.Err, models.ErrTransientFetch)
		require.Contains(t, r.Err.Error(), "429")
	}
}

func TestClient_FetchBatch_NoURL(t *testing.T) {
	res := New(0, nil).FetchBatch(context.Background(), []models.Shipment{{ID: 1, TransferNo: "A1"}}, &models.CarrierInterface{})
	require.ErrorIs(t, res[0].Err, models.ErrConfiguration)
}
