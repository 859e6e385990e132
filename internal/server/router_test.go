package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoradja-ytmjk/ozanglive/internal/health"
	"github.com/meteoradja-ytmjk/ozanglive/internal/orchestrator"
	"github.com/meteoradja-ytmjk/ozanglive/internal/reconciler"
	"github.com/meteoradja-ytmjk/ozanglive/internal/store/memory"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

var epoch = time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC)

type fixedState struct{ snap orchestrator.Snapshot }

func (f fixedState) Snapshot() orchestrator.Snapshot { return f.snap }

func setupRouter(t *testing.T, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New(nil)
	require.NoError(t, st.Save(context.Background(), stream.Record{
		ID:           "s1",
		UserID:       "u1",
		ScheduleType: stream.ScheduleOnce,
		Status:       stream.StatusLive,
		StartTime:    epoch,
	}))
	state := fixedState{snap: orchestrator.Snapshot{
		TakenAt:   epoch,
		Guard:     map[string]time.Time{"s1": epoch},
		Deadlines: map[string]time.Time{"s1": epoch.Add(time.Hour)},
		Health:    []health.EntryInfo{{ID: "s1", State: "healthy"}},
		Sync:      []reconciler.SyncInfo{{ID: "s1", UserID: "u1", BroadcastID: "b1"}},
	}}
	return NewRouter(state, st, opts).Handler()
}

func doReq(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, Options{BasePath: "/ops"})
	rec := doReq(h, "/ops/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, doReq(h, "/healthz").Code)
}

func TestHealthzNotReady(t *testing.T) {
	h := setupRouter(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := doReq(h, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","error":"db down"}`, rec.Body.String())
}

func TestMetricsToggle(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, doReq(setupRouter(t, Options{}), "/metrics").Code)

	rec := doReq(setupRouter(t, Options{Metrics: true}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugStreams(t *testing.T) {
	h := setupRouter(t, Options{})
	rec := doReq(h, "/debug/streams")
	require.Equal(t, http.StatusOK, rec.Code)

	var got orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.TakenAt.Equal(epoch))
	assert.Len(t, got.Health, 1)
	assert.Equal(t, "b1", got.Sync[0].BroadcastID)
}

func TestDebugStream(t *testing.T) {
	h := setupRouter(t, Options{})
	rec := doReq(h, "/debug/streams/s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got streamResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.Record.ID)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(epoch.Add(time.Hour)))
	require.NotNil(t, got.Health)
	assert.Equal(t, "healthy", got.Health.State)
	require.NotNil(t, got.Sync)
	assert.Equal(t, "b1", got.Sync.BroadcastID)
}

func TestDebugStreamErrors(t *testing.T) {
	h := setupRouter(t, Options{})
	assert.Equal(t, http.StatusNotFound, doReq(h, "/debug/streams/missing").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(h, "/debug/streams/a..b").Code)
}

func TestBasePathMounting(t *testing.T) {
	for _, bp := range []string{"ops", "/ops/", " /ops "} {
		h := setupRouter(t, Options{BasePath: bp})
		assert.Equal(t, http.StatusOK, doReq(h, "/ops/healthz").Code, "base path %q", bp)
	}
	for _, bp := range []string{"", "/"} {
		h := setupRouter(t, Options{BasePath: bp})
		assert.Equal(t, http.StatusOK, doReq(h, "/healthz").Code, "base path %q", bp)
	}
}

func TestValidStreamID(t *testing.T) {
	for _, id := range []string{"a", "A1._-", "c0ffee-42_x.1"} {
		assert.True(t, validStreamID(id), id)
	}
	for _, id := range []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "a b", "unicode한글"} {
		assert.False(t, validStreamID(id), id)
	}
}

func TestNewServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer("127.0.0.1:0", NewRouter(fixedState{}, memory.New(nil), Options{}))
	t.Cleanup(func() { _ = srv.Close() })
	assert.Equal(t, 10*time.Second, srv.ReadHeaderTimeout)
	assert.NotNil(t, srv.Handler)
}
