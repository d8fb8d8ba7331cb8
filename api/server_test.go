package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"downloadgrid/downloader"
	"downloadgrid/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type testEnv struct {
	server  *Server
	manager *downloader.Manager
	hub     *Hub
	ring    *logging.Ring
	origin  *httptest.Server
	payload []byte
	dir     string
}

func newTestEnv(t *testing.T, checks map[string]Pinger) *testEnv {
	t.Helper()
	payload := bytes.Repeat([]byte("downloadgrid"), 40_000)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(origin.Close)

	ring := logging.NewRing(50)
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), ring.Core(zapcore.InfoLevel)))

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logger)
	go hub.Run(ctx)

	dir := t.TempDir()
	src := downloader.NewHTTPSource()
	m, err := downloader.NewManager(downloader.Options{
		Settings: downloader.Settings{
			ConcurrentTaskLimit: 2,
			GlobalMaxThreads:    8,
			DefaultMaxThreads:   4,
			DefaultSavePath:     dir,
		},
		Sources:         downloader.Sources{"http": src},
		Publishers:      []downloader.Publisher{hub},
		Logger:          logger,
		PublishInterval: 10 * time.Millisecond,
		PersistInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		m.Stop()
		cancel()
		<-hub.done
	})

	s := NewServer(Options{Engine: m, Hub: hub, Logs: ring, Checks: checks, Logger: logger})
	return &testEnv{server: s, manager: m, hub: hub, ring: ring, origin: origin, payload: payload, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) waitStatus(t *testing.T, id string, want downloader.Status) downloader.Snapshot {
	t.Helper()
	var snap downloader.Snapshot
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		snap = downloader.Snapshot{}
		return json.Unmarshal(rec.Body.Bytes(), &snap) == nil && snap.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestSubmitAndComplete(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", downloader.Request{URL: env.origin.URL + "/files/payload.bin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[downloader.Task](t, rec)
	assert.Equal(t, "payload.bin", task.Name)

	snap := env.waitStatus(t, task.ID, downloader.StatusCompleted)
	assert.Equal(t, int64(len(env.payload)), snap.Size)
	assert.Equal(t, 100.0, snap.Progress)
	assert.True(t, snap.RangeSupported)

	got, err := os.ReadFile(filepath.Join(env.dir, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, env.payload, got)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Tasks []downloader.Snapshot `json:"tasks"`
		Count int                   `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[struct {
		Stats downloader.Stats `json:"stats"`
	}](t, rec)
	assert.Equal(t, 1, stats.Stats.Completed)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", downloader.Request{URL: "ftp://host/file"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", downloader.Request{URL: "http://[::1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid url")

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", downloader.Request{URL: env.origin.URL + "/a.bin", MaxThreads: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", downloader.Request{URL: env.origin.URL + "/done.bin"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[downloader.Task](t, rec)
	env.waitStatus(t, task.ID, downloader.StatusCompleted)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", downloader.Request{URL: env.origin.URL + "/gone.bin"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[downloader.Task](t, rec)
	env.waitStatus(t, task.ID, downloader.StatusCompleted)

	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID+"?purge=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID+"?purge=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, err := os.Stat(filepath.Join(env.dir, "gone.bin"))
	assert.True(t, os.IsNotExist(err))

	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[downloader.Settings](t, rec).ConcurrentTaskLimit)

	rec = env.do(t, http.MethodPut, "/api/v1/settings", map[string]any{"concurrent_tasks": 5, "speed_limit": 1 << 20})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[downloader.Settings](t, rec)
	assert.Equal(t, 5, updated.ConcurrentTaskLimit)
	assert.Equal(t, int64(1<<20), updated.SpeedLimit)
	assert.Equal(t, 8, updated.GlobalMaxThreads, "absent fields keep their values")

	rec = env.do(t, http.MethodPut, "/api/v1/settings", map[string]any{"global_max_threads": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 8, env.manager.Settings().GlobalMaxThreads)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]Pinger{"database": pinger{}})
	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env = newTestEnv(t, map[string]Pinger{"database": pinger{}, "redis": pinger{err: errors.New("down")}})
	rec = env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[struct {
		Status string          `json:"status"`
		Checks map[string]bool `json:"checks"`
	}](t, rec)
	assert.Equal(t, "unhealthy", body.Status)
	assert.True(t, body.Checks["database"])
	assert.False(t, body.Checks["redis"])
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[struct {
		Logs []logging.Entry `json:"logs"`
	}](t, rec)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "Manager started", logs.Logs[0].Message)

	rec = env.do(t, http.MethodGet, "/api/v1/logs?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodOptions, "/api/v1/tasks", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebsocketStreamsSnapshots(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var initial Message
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "tasks", initial.Type)
	assert.Empty(t, initial.Tasks)

	task, err := env.manager.Submit(context.Background(), downloader.Request{URL: env.origin.URL + "/ws.bin"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "task" && msg.Task.ID == task.ID && msg.Task.Status == downloader.StatusCompleted {
			break
		}
	}

	require.NoError(t, env.manager.Delete(context.Background(), task.ID, false))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "removed" {
			assert.Equal(t, task.ID, msg.ID)
			break
		}
	}
}
