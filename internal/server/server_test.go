package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lumidev/lumidev/internal/notifier"
	"github.com/lumidev/lumidev/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*httptest.Server, *notifier.Notifier) {
	t.Helper()
	n := notifier.New(zap.NewNop(), notifier.WithClock(fixedClock(1000)))
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	cfg.Logger = zap.NewNop()

	s, err := New(cfg, n, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, n
}

// readEvent returns the lines of the next event, or nil at end of stream
func readEvent(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return lines
		}
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func openStream(t *testing.T, srv *httptest.Server) (*http.Response, *bufio.Reader) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/esbuild")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, []string{"retry: 2000"}, readEvent(t, r))
	return resp, r
}

func TestEventStreamDeliversOnceThenEnds(t *testing.T) {
	srv, n := newTestServer(t, Config{})
	_, r := openStream(t, srv)

	require.Eventually(t, func() bool { return n.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	n.Broadcast()

	assert.Equal(t, []string{`data: {"LAST_SUCCESS_BUILD_STAMP":1000}`}, readEvent(t, r))
	assert.Nil(t, readEvent(t, r))
	assert.Equal(t, 0, n.Len())
}

func TestEventStreamCatchUpForLateClient(t *testing.T) {
	srv, n := newTestServer(t, Config{})
	n.Broadcast()

	_, r := openStream(t, srv)
	assert.Equal(t, []string{`data: {"LAST_SUCCESS_BUILD_STAMP":1000}`}, readEvent(t, r))

	require.Eventually(t, func() bool { return n.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	n.Broadcast()
	assert.Equal(t, []string{`data: {"LAST_SUCCESS_BUILD_STAMP":1001}`}, readEvent(t, r))
	assert.Nil(t, readEvent(t, r))
}

func TestEventStreamHeartbeat(t *testing.T) {
	srv, _ := newTestServer(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	_, r := openStream(t, srv)

	assert.Equal(t, []string{": ping"}, readEvent(t, r))
}

func TestEventStreamDisconnectUnregisters(t *testing.T) {
	srv, n := newTestServer(t, Config{})
	resp, _ := openStream(t, srv)

	require.Eventually(t, func() bool { return n.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	resp.Body.Close()
	require.Eventually(t, func() bool { return n.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestWebSocketDeliversAndCloses(t *testing.T) {
	srv, n := newTestServer(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/esbuild/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return n.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	n.Broadcast()

	var msg models.BuildMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, int64(1000), msg.LastSuccessBuildStamp)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestStaticFilesAtMountPoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>app</h1>"), 0o644))
	srv, _ := newTestServer(t, Config{StaticDir: dir, MountPoint: "app"})

	resp, err := http.Get(srv.URL + "/app/index.html")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>app</h1>", string(body))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err = client.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/app/", resp.Header.Get("Location"))
}

func TestProxyForwardsPrefixes(t *testing.T) {
	var seenHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		_, _ = io.WriteString(w, "backend "+r.URL.Path)
	}))
	defer backend.Close()

	srv, _ := newTestServer(t, Config{ProxyPrefixes: []string{"/api/"}, ProxyTarget: backend.URL})

	resp, err := http.Get(srv.URL + "/api/users")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "backend /api/users", string(body))
	assert.Equal(t, strings.TrimPrefix(backend.URL, "http://"), seenHost)

	resp, err = http.Get(srv.URL + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyUnreachableTargetIsBadGateway(t *testing.T) {
	srv, _ := newTestServer(t, Config{ProxyPrefixes: []string{"api"}, ProxyTarget: "http://127.0.0.1:1"})

	resp, err := http.Get(srv.URL + "/api/x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

type fakeHistory struct {
	records []*models.BuildRecord
	limit   int
}

func (f *fakeHistory) Recent(limit int) ([]*models.BuildRecord, error) {
	f.limit = limit
	return f.records, nil
}

func TestBuildsEndpoint(t *testing.T) {
	rec := models.NewBuildRecord(true)
	rec.Succeed(1000)
	history := &fakeHistory{records: []*models.BuildRecord{rec}}
	srv, n := newTestServer(t, Config{}, WithBuildHistory(history), WithStatus(func() any { return "idle" }))
	n.Broadcast()

	resp, err := http.Get(srv.URL + "/__lumidev/builds?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body BuildsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(1000), body.Stamp)
	assert.Equal(t, "idle", body.Status)
	require.Len(t, body.Builds, 1)
	assert.Equal(t, rec.ID, body.Builds[0].ID)
	assert.Equal(t, 5, history.limit)

	resp2, err := http.Get(srv.URL + "/__lumidev/builds?limit=zero")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestDuplicateRoutesAreRejected(t *testing.T) {
	n := notifier.New(zap.NewNop())
	_, err := New(Config{ProxyPrefixes: []string{"/api", "api/"}, ProxyTarget: "http://localhost:8000"}, n)
	assert.Error(t, err)

	_, err = New(Config{ProxyPrefixes: []string{"/api"}, ProxyTarget: "localhost"}, n)
	assert.Error(t, err)
}

func TestServeStopsWithContext(t *testing.T) {
	n := notifier.New(zap.NewNop())
	s, err := New(Config{Host: "127.0.0.1", Logger: zap.NewNop()}, n)
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	assert.NotEmpty(t, s.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.Addr() + "/__lumidev/builds")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestWriteLiveReloadClient(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".cache")
	path, err := WriteLiveReloadClient(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "LAST_SUCCESS_BUILD_STAMP")
	assert.Contains(t, string(data), "'/esbuild'")

	again, err := WriteLiveReloadClient(dir)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}
