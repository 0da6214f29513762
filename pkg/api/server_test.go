package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/storage"
	"github.com/vjranagit/tsreport/pkg/types"
)

var nine = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewStorage(&storage.Config{Path: t.TempDir(), CompressionLevel: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(NewServer(":0", store, nil, 0, nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postWrite(t *testing.T, base string, req types.WriteRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/v1/write", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWriteThenFetch(t *testing.T) {
	srv := newTestServer(t)

	resp := postWrite(t, srv.URL, types.WriteRequest{Series: []types.Series{
		{ID: "RTU1", Labels: map[string]string{"site": "north"}, Samples: []types.Sample{
			{Timestamp: nine, Value: 1.5},
			{Timestamp: nine.Add(time.Minute), Value: 2.5},
		}},
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, float64(2), ack["samples"])

	address := "RTU1,RTU2@2024-05-01 09:00:00~2024-05-01 09:01:00#60"
	get, err := http.Get(srv.URL + "/api/v1/fetch?" + url.Values{"address": {address}}.Encode())
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var fr types.FetchResponse
	require.NoError(t, json.NewDecoder(get.Body).Decode(&fr))
	assert.Equal(t, address, fr.Address)
	require.Len(t, fr.Points, 2)
	assert.Equal(t, nine.UnixMilli(), fr.Points[0].Timestamp)
	require.NotNil(t, fr.Points[0].Values[0])
	assert.Equal(t, 1.5, *fr.Points[0].Values[0])
	assert.Nil(t, fr.Points[0].Values[1], "RTU2 has no data")
}

func TestHTTPFetcherAgainstServer(t *testing.T) {
	srv := newTestServer(t)
	postWrite(t, srv.URL, types.WriteRequest{Series: []types.Series{
		{ID: "RTU1", Samples: []types.Sample{{Timestamp: nine, Value: 42}}},
	}})

	f, err := fetch.NewHTTPFetcher(fetch.HTTPConfig{BaseURL: srv.URL, RateLimit: 100})
	require.NoError(t, err)

	got, err := f.Fetch(context.Background(), "RTU1@2024-05-01 09:00:00~2024-05-01 09:00:00#60")
	require.NoError(t, err)
	assert.Equal(t, types.Samples{nine.UnixMilli(): {42}}, got)
}

func TestFetchErrors(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/fetch")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/fetch?address=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWriteRejectsBadBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/write", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/write")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	wr := postWrite(t, srv.URL, types.WriteRequest{Series: []types.Series{{ID: ""}}})
	assert.Equal(t, http.StatusInternalServerError, wr.StatusCode)
}

func TestSeriesHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	postWrite(t, srv.URL, types.WriteRequest{Series: []types.Series{
		{ID: "RTU1", Labels: map[string]string{"site": "north"}, Samples: []types.Sample{{Timestamp: nine, Value: 1}}},
		{ID: "RTU2", Labels: map[string]string{"site": "south"}, Samples: []types.Sample{{Timestamp: nine, Value: 2}}},
	}})

	resp, err := http.Get(srv.URL + "/api/v1/series?site=south")
	require.NoError(t, err)
	defer resp.Body.Close()
	var metas []storage.SeriesMeta
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metas))
	require.Len(t, metas, 1)
	assert.Equal(t, "RTU2", metas[0].ID)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(m.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "tsreport_store_samples_written_total")
}
