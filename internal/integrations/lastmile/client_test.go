package lastmile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestRegister_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/register", r.URL.Path)
		require.Equal(t, "tok", r.Header.Get("17token"))

		var body []numberReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []numberReq{{Number: "1Z1"}, {Number: "1Z2"}}, body)

		_, _ = w.Write([]byte(`{"code":0,"data":{"accepted":[{"number":"1Z1"},{"number":"1Z2"}],"rejected":[]}}`))
	}))
	defer srv.Close()

	raw, err := New(srv.URL, "tok", 0).Register(context.Background(), []string{" 1Z1 ", "", "1Z2"})
	require.NoError(t, err)
	require.Contains(t, raw, `"accepted"`)
}

func TestBatchTooLarge_NoHTTP(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	numbers := make([]string, 41)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("N%d", i)
	}
	c := New(srv.URL, "tok", 0)

	_, err := c.Register(context.Background(), numbers)
	require.ErrorIs(t, err, ErrBatchTooLarge)
	_, err = c.Query(context.Background(), numbers)
	require.ErrorIs(t, err, ErrBatchTooLarge)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestQuery_ParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gettrackinfo", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":0,"data":{"accepted":[{
  "number":"1Z1",
  "track_info":{"tracking":{"providers":[{"events":[
    {"time_iso":"2024-01-02T18:00:00-08:00","description":"Delivered","stage":"Delivered","sub_status":"Delivered_Other","location":"LOS ANGELES, CA","address":{"country":"US","city":""}},
    {"time_iso":"2024-01-01T09:00:00-08:00","description":"Arrived at facility","sub_status":"InTransit_Arrival","address":{"country":"US","city":"Ontario"}}
  ]}]}}
}]}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "tok", 0).Query(context.Background(), []string{"1Z1", "1Z2"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	it := res.Items["1Z1"]
	require.Contains(t, it.Raw, `"number":"1Z1"`)
	require.Len(t, it.Events, 2)

	ev := it.Events[0]
	require.Equal(t, "Delivered", ev.Description)
	require.Equal(t, "Delivered_Other", ev.SubStatus)
	require.Equal(t, "LOS ANGELES, CA", ev.City.Value())
	require.Equal(t, "US", ev.Country.Value())
	require.Equal(t, models.TrackingZone, ev.Time.Location())
	require.Equal(t, 10, ev.Time.Hour())

	require.Equal(t, "Ontario", it.Events[1].City.Value())
}

func TestQuery_IgnoresNumbersNotAsked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{"accepted":[
  {"number":"1Z1","track_info":{"tracking":{"providers":[{"events":[{"time_iso":"2024-01-01T09:00:00-08:00","description":"Arrived at facility"}]}]}}},
  {"number":"9X9","track_info":{"tracking":{"providers":[{"events":[{"time_iso":"2024-01-02T09:00:00-08:00","description":"Delivered"}]}]}}}
]}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "tok", 0).Query(context.Background(), []string{" 1Z1 "})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Contains(t, res.Items, "1Z1")
	require.NotContains(t, res.Items, "9X9")
}

func TestQuery_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gettrackinfo" {
			_, _ = w.Write([]byte(`<html>`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 0)
	_, err := c.Register(context.Background(), []string{"1Z1"})
	require.ErrorIs(t, err, models.ErrTransientFetch)

	res, err := c.Query(context.Background(), []string{"1Z1"})
	require.ErrorIs(t, err, models.ErrTransientFetch)
	require.Equal(t, "<html>", res.Raw)

	_, err = c.Query(context.Background(), []string{" ", ""})
	require.ErrorIs(t, err, models.ErrData)
}
