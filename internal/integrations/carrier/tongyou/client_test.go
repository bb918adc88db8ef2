package tongyou

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/stretchr/testify/require"
)

func iface(url string) *models.CarrierInterface {
	return &models.CarrierInterface{
		ID:                 1,
		Name:               InterfaceName,
		RequestURL:         url + "/api/track/getTrackInformation?transferNo=",
		AuthParams:         json.RawMessage(`{"token":"secret"}`),
		FetchIntervalHours: 4,
	}
}

func TestClient_Fetch_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/track/getTrackInformation", r.URL.Path)
		require.Equal(t, "T100", r.URL.Query().Get("transferNo"))
		require.Equal(t, "secret", r.Header.Get("token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "success": true,
  "tracks": [{
    "transferNo": "1Z999",
    "trackInfo": [
      {"changeDate": 1704067200000, "status": "3", "record": "收件", "city": "Shenzhen", "country": "CN"},
      {"changeDate": 1704074400000, "status": "5", "record": "已离开香港", "city": "", "country": "HK"}
    ]
  }]
}`))
	}))
	defer srv.Close()

	c := New(5*time.Second, nil)
	res, err := c.Fetch(context.Background(), models.Shipment{ID: 9, TransferNo: "T100"}, iface(srv.URL))
	require.NoError(t, err)
	require.Equal(t, "1Z999", res.LastmileNo)
	require.Contains(t, res.Raw, "已离开香港")
	require.NotNil(t, res.Latest)
	require.Equal(t, "5", res.Latest.Status)
	require.Equal(t, "已离开香港", res.Latest.Description)
	require.False(t, res.Latest.City.IsSet())
	require.Equal(t, "HK", res.Latest.Country.Value())
	require.True(t, res.Latest.Time.Equal(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)))
}

func TestClient_Fetch_CustomKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"tracks":[{"transferNo":"","trackInfo":[{"changeDate":1704074400000,"code":"A1","memo":"arrived"}]}]}`))
	}))
	defer srv.Close()

	ifc := iface(srv.URL)
	ifc.ResponseKeys = models.ResponseKeys{StatusKey: "code", DescriptionKey: "memo"}

	res, err := New(0, nil).Fetch(context.Background(), models.Shipment{ID: 1, TransferNo: "T1"}, ifc)
	require.NoError(t, err)
	require.Empty(t, res.LastmileNo)
	require.Equal(t, "A1", res.Latest.Status)
	require.Equal(t, "arrived", res.Latest.Description)
}

func TestClient_Fetch_CarrierFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":{"errorInfo":"单号不存在"}}`))
	}))
	defer srv.Close()

	res, err := New(0, nil).Fetch(context.Background(), models.Shipment{ID: 1, TransferNo: "T1"}, iface(srv.URL))
	require.ErrorIs(t, err, models.ErrTransientFetch)
	require.Contains(t, err.Error(), "单号不存在")
	require.Contains(t, res.Raw, "errorInfo")
}

func TestClient_Fetch_NoTracks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"tracks":[]}`))
	}))
	defer srv.Close()

	res, err := New(0, nil).Fetch(context.Background(), models.Shipment{ID: 1, TransferNo: "T1"}, iface(srv.URL))
	require.NoError(t, err)
	require.Nil(t, res.Latest)
}

func TestClient_Fetch_HTTPAndDecodeErrors(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(0, nil).Fetch(context.Background(), models.Shipment{ID: 1, TransferNo: "T1"}, iface(srv.URL))
	require.ErrorIs(t, err, models.ErrTransientFetch)

	status = http.StatusOK
	res, err := New(0, nil).Fetch(context.Background(), models.Shipment{ID: 1, TransferNo: "T1"}, iface(srv.URL))
	require.ErrorIs(t, err, models.ErrTransientFetch)
	require.Equal(t, "not json", res.Raw)
}

func TestClient_Fetch_MissingToken(t *testing.T) {
	ifc := iface("http://127.0.0.1:1")
	ifc.AuthParams = nil
	_, err := New(0, nil).Fetch(context.Background(), models.Shipment{ID: 1, TransferNo: "T1"}, ifc)
	require.ErrorIs(t, err, models.ErrConfiguration)
}

func TestClient_AsHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"tracks":[]}`))
	}))
	defer srv.Close()

	h := carrier.Sequential(New(0, nil))
	res := h.FetchBatch(context.Background(), []models.Shipment{{ID: 1, TransferNo: "A"}, {ID: 2, TransferNo: "B"}}, iface(srv.URL))
	require.Len(t, res, 2)
	require.NoError(t, res[0].Err)
	require.Equal(t, uint64(2), res[1].ShipmentID)
}
