package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabtuner/tabtuner/internal/status"
)

func TestListStreamsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	router, api := newTestRouter()
	NewStreamsHandler(env.manager, env.emitter, env.logger).Register(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListStreamsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Streams)
	assert.Equal(t, 0, resp.Count)
	assert.Equal(t, 4, resp.Limit)
	assert.EqualValues(t, 0, resp.TotalMemoryBytes)
}

func TestListStreamsReportsActive(t *testing.T) {
	env := newTestEnv(t, nil)
	router, api := newTestRouter()
	NewStreamsHandler(env.manager, env.emitter, env.logger).Register(api)

	env.emitter.StreamAdded(status.StreamStatus{
		ID:      7,
		IDStr:   "7",
		Channel: "News",
		Health:  status.HealthHealthy,
		Clients: status.ClientCounts{Total: 2, HLS: 1, MPEGTS: 1},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListStreamsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Streams, 1)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "News", resp.Streams[0].Channel)
	assert.Equal(t, status.HealthHealthy, resp.Streams[0].Health)
	assert.Equal(t, 2, resp.Streams[0].Clients.Total)
}

func TestTerminateStream(t *testing.T) {
	env := newTestEnv(t, nil, newsChannel())
	router, api := newTestRouter()
	NewStreamsHandler(env.manager, env.emitter, env.logger).Register(api)

	id, err := env.manager.EnsureChannelStream(context.Background(), "News", "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/streams/"+strconv.FormatInt(id, 10), nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp TerminateStreamResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, id, resp.ID)
	assert.True(t, resp.Terminated)

	_, ok := env.manager.Lookup(id)
	assert.False(t, ok)
}

func TestTerminateStreamNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	router, api := newTestRouter()
	NewStreamsHandler(env.manager, env.emitter, env.logger).Register(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/streams/999", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	router, api := newTestRouter()
	NewStreamsHandler(env.manager, env.emitter, env.logger).Register(api)

	env.emitter.UpdateSystem(status.SystemStatus{
		Browser: status.BrowserStatus{Connected: true, PageCount: 2},
		Streams: status.StreamsStatus{Active: 1, Limit: 4},
		Memory:  status.MemoryStatus{HeapUsed: 1024, RSS: 4096},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/system", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp status.SystemStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Browser.Connected)
	assert.Equal(t, 2, resp.Browser.PageCount)
	assert.Equal(t, 1, resp.Streams.Active)
	assert.EqualValues(t, 4096, resp.Memory.RSS)
}
