package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/room4-2/openconverse-voice/config"
	"github.com/room4-2/openconverse-voice/engine"
	"github.com/room4-2/openconverse-voice/functions"
	"github.com/room4-2/openconverse-voice/messages"
	"github.com/room4-2/openconverse-voice/session"
)

type nopTransport struct{}

func (nopTransport) Connect(ctx context.Context, _ engine.ConnectConfig) (engine.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestServer(t *testing.T, origins ...string) (*httptest.Server, *functions.MemoryArtifactStore) {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg := &config.Config{
		Port:           0,
		MaxSessions:    2,
		SessionTimeout: time.Minute,
		AllowedOrigins: origins,
	}
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg, "test")
	mgr := session.NewManager(cfg, nil, session.Deps{
		Transport: nopTransport{},
		Metrics:   metrics,
		Logger:    zap.NewNop(),
	})
	store := functions.NewMemoryArtifactStore()
	srv := New(cfg, mgr, Options{Artifacts: store, Gatherer: reg})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return ts, store
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, body)
}

func TestServer_Metrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "test_voice_mute_handoffs_total 0")
}

func TestServer_Artifacts(t *testing.T) {
	ts, store := newTestServer(t)
	art, err := store.Put(context.Background(), "image", "image/png", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)

	resp, body := get(t, ts.URL+"/artifacts/"+art.Ref)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "\x89PNG", body)

	resp, _ = get(t, ts.URL+"/artifacts/artifact:missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_WebSocket(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string                 `json:"type"`
		Payload messages.StatusPayload `json:"payload"`
	}
	require.NoError(t, sonic.Unmarshal(data, &msg))
	assert.Equal(t, messages.TypeStatus, msg.Type)
	assert.Equal(t, "idle", msg.Payload.Status)

	_, body := get(t, ts.URL+"/health")
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, body)
}

func TestServer_RejectsOrigin(t *testing.T) {
	ts, _ := newTestServer(t, "https://app.example.com")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
