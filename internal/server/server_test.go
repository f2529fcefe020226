package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/config"
	"loom/internal/llm"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddr:     "127.0.0.1:0",
		DataDir:        t.TempDir(),
		AllowedOrigins: []string{"*"},
		IdleEviction:   time.Minute,
		Model:          config.ModelConfig{Name: "test-model"},
		Snapshots:      config.SnapshotsConfig{Retention: 10},
		Realtime: config.RealtimeConfig{
			CdpTimeout:      200 * time.Millisecond,
			WatcherDebounce: 20 * time.Millisecond,
		},
	}
}

func newTestServer(t *testing.T, mock *llm.MockClient) *httptest.Server {
	t.Helper()
	if mock == nil {
		mock = llm.NewMockClient()
	}
	s := New(testConfig(t), mock)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := getJSON(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidProjectIDRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, _ := getJSON(t, srv.URL+"/api/projects/bad*id/agent")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Queue(`<tool_call>{"name":"write_file","input":{"path":"app.ts","content":"export {}"}}</tool_call>`, "tool_use")
	mock.Queue("Finished.", llm.StopEndTurn)
	srv := newTestServer(t, mock)
	base := srv.URL + "/api/projects/proj1"

	resp, session := postJSON(t, base+"/agent", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "create app.ts"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, session["sessionId"])
	assert.Equal(t, "running", session["status"])

	require.Eventually(t, func() bool {
		_, status := getJSON(t, base+"/agent")
		return status["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	_, events := getJSON(t, base+"/agent/events?after=0")
	list := events["events"].([]any)
	require.NotEmpty(t, list)
	last := list[len(list)-1].(map[string]any)
	assert.EqualValues(t, len(list), last["index"], "indexes are dense from 1")

	_, snaps := getJSON(t, base+"/snapshots")
	require.Len(t, snaps["snapshots"], 1)
}

func TestStartWithoutMessagesRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, _ := postJSON(t, srv.URL+"/api/projects/p1/agent", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentStatusAbsent(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, _ := getJSON(t, srv.URL+"/api/projects/p1/agent")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAbortWithoutRunIsNoContent(t *testing.T) {
	srv := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/projects/p1/agent", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCdpWithoutBrowserFailsFast(t *testing.T) {
	srv := newTestServer(t, nil)
	start := time.Now()
	resp, body := postJSON(t, srv.URL+"/api/projects/p1/cdp", map[string]any{"method": "Runtime.evaluate"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["error"], "No browser is connected")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSocketUpgradeAndHMR(t *testing.T) {
	srv := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/projects/p1/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "pong", frame["type"])
}

func TestRevertUnknownSnapshotIs404(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, _ := postJSON(t, srv.URL+"/api/projects/p1/snapshots/nope/revert", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
