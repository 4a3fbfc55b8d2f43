package livereload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikaken/live-scratch/internal/archive"
	"github.com/ikaken/live-scratch/internal/sync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fakeFacade records calls and returns canned results.
type fakeFacade struct {
	mu        stdsync.Mutex
	workspace string
	archive   []byte
	buildErr  error
	applyErr  error
	opErr     error
	applied   [][]byte
	opened    []string
	exported  []string
	revealed  int
}

func (f *fakeFacade) WorkspacePath() string { return f.workspace }

func (f *fakeFacade) ProduceArchive(context.Context) ([]byte, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}

	return f.archive, nil
}

func (f *fakeFacade) ApplyArchive(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = append(f.applied, data)

	return f.applyErr
}

func (f *fakeFacade) OpenArchiveFromFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opened = append(f.opened, path)

	return f.opErr
}

func (f *fakeFacade) ExportArchiveToFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exported = append(f.exported, path)

	return f.opErr
}

func (f *fakeFacade) OpenWorkspaceInFileManager(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revealed++

	return f.opErr
}

type facadeCalls struct {
	applied  [][]byte
	opened   []string
	exported []string
	revealed int
}

func (f *fakeFacade) snapshot() facadeCalls {
	f.mu.Lock()
	defer f.mu.Unlock()

	return facadeCalls{
		applied:  append([][]byte(nil), f.applied...),
		opened:   append([]string(nil), f.opened...),
		exported: append([]string(nil), f.exported...),
		revealed: f.revealed,
	}
}

func newTestServer(t *testing.T, facade *fakeFacade, staticDir string) (*httptest.Server, *Hub) {
	t.Helper()

	hub := NewHub(testLogger(t), NewMetrics())
	srv := NewServer(ServerConfig{
		StaticDir: staticDir,
		Facade:    facade,
		Hub:       hub,
		Metrics:   NewMetrics(),
		Logger:    testLogger(t),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	return ts, hub
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(b)
}

// ---------------------------------------------------------------------------
// API
// ---------------------------------------------------------------------------

func TestGetArchive(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &fakeFacade{archive: []byte("PK-archive")}, "")

	code, body := do(t, http.MethodGet, ts.URL+"/api/archive", "")
	require.Equal(t, http.StatusOK, code)

	decoded, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)
	assert.Equal(t, "PK-archive", string(decoded))
}

func TestGetArchive_BuildFailure(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &fakeFacade{buildErr: sync.ErrBuildFailed}, "")

	code, body := do(t, http.MethodGet, ts.URL+"/api/archive", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, "failed to build archive")
}

func TestPutArchive(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	ts, _ := newTestServer(t, f, "")

	code, _ := do(t, http.MethodPut, ts.URL+"/api/archive", base64.StdEncoding.EncodeToString([]byte("zipbytes")))
	require.Equal(t, http.StatusNoContent, code)

	applied := f.snapshot().applied
	require.Len(t, applied, 1)
	assert.Equal(t, "zipbytes", string(applied[0]))
}

func TestPutArchive_BadBase64(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	ts, _ := newTestServer(t, f, "")

	code, body := do(t, http.MethodPut, ts.URL+"/api/archive", "%%% not base64")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "decode failed")
	assert.Empty(t, f.snapshot().applied)
}

func TestPutArchive_CorruptArchive(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{applyErr: archive.ErrCorruptArchive}
	ts, _ := newTestServer(t, f, "")

	code, _ := do(t, http.MethodPut, ts.URL+"/api/archive", base64.StdEncoding.EncodeToString([]byte("junk")))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestWorkspaceEndpoint(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &fakeFacade{workspace: "/home/u/Documents/Live Scratch"}, "")

	code, body := do(t, http.MethodGet, ts.URL+"/api/workspace", "")
	require.Equal(t, http.StatusOK, code)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "/home/u/Documents/Live Scratch", got["path"])
}

func TestOpenAndExport(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	ts, _ := newTestServer(t, f, "")

	abs := filepath.Join(t.TempDir(), "game.sb3")

	code, _ := do(t, http.MethodPost, ts.URL+"/api/open", `{"path":`+jsonString(abs)+`}`)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = do(t, http.MethodPost, ts.URL+"/api/export", `{"path":""}`)
	assert.Equal(t, http.StatusNoContent, code, "cancelled picker passes through as a no-op")

	got := f.snapshot()
	assert.Equal(t, []string{abs}, got.opened)
	assert.Equal(t, []string{""}, got.exported)
}

func TestOpen_RejectsRelativePathAndBadJSON(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	ts, _ := newTestServer(t, f, "")

	code, _ := do(t, http.MethodPost, ts.URL+"/api/open", `{"path":"relative.sb3"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, ts.URL+"/api/open", `{`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Empty(t, f.snapshot().opened)
}

func TestOpen_ErrorMapping(t *testing.T) {
	t.Parallel()

	abs := filepath.Join(t.TempDir(), "x.sb3")

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"missing file", os.ErrNotExist, http.StatusNotFound},
		{"corrupt", archive.ErrCorruptArchive, http.StatusUnprocessableEntity},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts, _ := newTestServer(t, &fakeFacade{opErr: tt.err}, "")

			code, _ := do(t, http.MethodPost, ts.URL+"/api/open", `{"path":`+jsonString(abs)+`}`)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestReveal(t *testing.T) {
	t.Parallel()

	f := &fakeFacade{}
	ts, _ := newTestServer(t, f, "")

	code, _ := do(t, http.MethodPost, ts.URL+"/api/reveal", "")
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, 1, f.snapshot().revealed)

	f.mu.Lock()
	f.opErr = errors.New("xdg-open not found")
	f.mu.Unlock()

	code, body := do(t, http.MethodPost, ts.URL+"/api/reveal", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, "xdg-open not found")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &fakeFacade{}, "")

	code, _ := do(t, http.MethodDelete, ts.URL+"/api/archive", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &fakeFacade{workspace: "/ws"}, "")

	code, body := do(t, http.MethodGet, ts.URL+"/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"clients":0`)

	do(t, http.MethodGet, ts.URL+"/api/workspace", "")

	code, body = do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `live_scratch_api_requests_total{code="200",route="workspace"} 1`)
}

// ---------------------------------------------------------------------------
// Front-end
// ---------------------------------------------------------------------------

func TestScriptServed(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &fakeFacade{}, "")

	code, body := do(t, http.MethodGet, ts.URL+"/live-reload.js", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "loadProject")
	assert.Contains(t, body, MessageArchiveUpdated)
}

func TestIndex_StatusPageWithoutStaticDir(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, &fakeFacade{workspace: "/ws/<b>"}, "")

	code, body := do(t, http.MethodGet, ts.URL+"/", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "/ws/&lt;b&gt;", "workspace path is escaped")
}

func TestIndex_InjectsScriptAndServesAssets(t *testing.T) {
	t.Parallel()

	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"),
		[]byte("<html><body><div id=app></div></body></html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(static, "gui.js"), []byte("var gui;"), 0o644))

	ts, _ := newTestServer(t, &fakeFacade{}, static)

	code, body := do(t, http.MethodGet, ts.URL+"/", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, `<html><body><div id=app></div><script src="/live-reload.js"></script></body></html>`, body)

	code, body = do(t, http.MethodGet, ts.URL+"/gui.js", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "var gui;", body)
}

func TestInjectScript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"before body close", "<body>x</body>", "<body>x" + scriptTag + "</body>"},
		{"last body close wins", "<body></body><!-- </body> -->", "<body></body><!-- " + scriptTag + "</body> -->"},
		{"no body appended", "<p>bare</p>", "<p>bare</p>" + scriptTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(InjectScript([]byte(tt.in))))
		})
	}
}

// ---------------------------------------------------------------------------
// WebSocket hub
// ---------------------------------------------------------------------------

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)

	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))

	return msg
}

func TestHub_BroadcastToClients(t *testing.T) {
	t.Parallel()

	ts, hub := newTestServer(t, &fakeFacade{}, "")

	a := dialWS(t, ts)
	b := dialWS(t, ts)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), []byte("archive-1")))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, MessageArchiveUpdated, msg.Type)

		data, err := base64.StdEncoding.DecodeString(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, "archive-1", string(data))
	}
}

func TestHub_LatestSentOnConnect(t *testing.T) {
	t.Parallel()

	ts, hub := newTestServer(t, &fakeFacade{}, "")

	require.NoError(t, hub.Publish(context.Background(), []byte("first")))
	require.NoError(t, hub.Publish(context.Background(), []byte("current")))

	conn := dialWS(t, ts)
	msg := readMessage(t, conn)

	data, err := base64.StdEncoding.DecodeString(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "current", string(data))
}

func TestHub_ClientDisconnectRemoved(t *testing.T) {
	t.Parallel()

	ts, hub := newTestServer(t, &fakeFacade{}, "")

	conn := dialWS(t, ts)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_PublishAfterClose(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger(t), nil)
	hub.Close()

	assert.ErrorIs(t, hub.Publish(context.Background(), []byte("x")), ErrHubClosed)
}

func TestClient_OfferReplacesStale(t *testing.T) {
	t.Parallel()

	c := &client{send: make(chan []byte, 1)}

	assert.Equal(t, 0, c.offer([]byte("old")))
	assert.Equal(t, 1, c.offer([]byte("new")))

	assert.Equal(t, "new", string(<-c.send))
	assert.Empty(t, c.send)
}

func TestHub_SlowClientDropsAreCounted(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	hub := NewHub(testLogger(t), m)

	// Nothing drains this client, so each publish after the first
	// displaces the pending archive.
	c := &client{send: make(chan []byte, 1)}
	require.True(t, hub.add(c))

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, []byte("one")))
	require.NoError(t, hub.Publish(ctx, []byte("two")))
	require.NoError(t, hub.Publish(ctx, []byte("three")))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	assert.Contains(t, body, "live_scratch_publish_dropped_total 2")
	assert.Contains(t, body, "live_scratch_archives_published_total 3")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestServer_RunAndShutdown(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger(t), nil)
	srv := NewServer(ServerConfig{
		Addr:   "127.0.0.1:0",
		Facade: &fakeFacade{workspace: "/ws"},
		Hub:    hub,
		Logger: testLogger(t),
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- srv.Run(ctx) }()

	code, _ := do(t, http.MethodGet, "http://"+srv.Addr()+"/health", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, "http://"+srv.Addr()+"/metrics", "")
	assert.Equal(t, http.StatusNotFound, code, "metrics disabled without a registry")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "server did not stop")
	}

	assert.ErrorIs(t, hub.Publish(context.Background(), nil), ErrHubClosed)
}

func TestServer_ListenError(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerConfig{Addr: "256.0.0.1:99999", Hub: NewHub(testLogger(t), nil), Logger: testLogger(t)})
	require.Error(t, srv.Run(context.Background()))
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
