package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOrigin = "http://localhost:8080"

// frame is the union of every relay notification, as seen by a client.
type frame struct {
	Type     string          `json:"type"`
	Messages []relay.Message `json:"messages"`
	Message  *relay.Message  `json:"message"`
}

func testConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			AllowedOrigins:  []string{testOrigin},
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			IdleTimeout:     30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		WebSocket: config.WebSocketConfig{
			MaxMessageSize: 64 * 1024,
			SendBuffer:     64,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			WriteWait:      10 * time.Second,
		},
		Log:     config.LogConfig{Level: "info", Encoding: "json"},
		Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"},
	}
}

// newTestServer starts a hub and an HTTP server for cfg. Both are torn down
// when the test ends.
func newTestServer(t *testing.T, cfg *config.Config, observer HubObserver, metrics MetricsSource) (*httptest.Server, *Hub) {
	t.Helper()

	logger := zap.NewNop().Sugar()
	hub := NewHub(cfg.WebSocket, observer, logger)
	StartHub(hub, logger)

	srv := httptest.NewServer(SetupRoutes(cfg, hub, metrics, logger))
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(5 * time.Second)
	})
	return srv, hub
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func connect(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, _, err := dial(t, wsURL(srv, "/ws"), testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event relay.Event) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(event))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// expectSilence asserts nothing arrives on conn for a short while. The read
// times out, and gorilla keeps that error for every later read, so it must be
// the last read on conn.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", payload)
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID string) []relay.Message {
	t.Helper()

	write(t, conn, relay.Event{Type: relay.TypeJoin, RoomID: roomID})
	f := read(t, conn)
	require.Equal(t, relay.TypeMessages, f.Type)
	return f.Messages
}

func waitForStats(t *testing.T, hub *Hub, rooms, connections int) {
	t.Helper()

	require.Eventually(t, func() bool {
		r, c := hub.Stats()
		return r == rooms && c == connections
	}, 5*time.Second, 10*time.Millisecond)
}

// stubObserver counts what the hub reports.
type stubObserver struct {
	evicted int
}

func (s *stubObserver) ConnectionOpened()     {}
func (s *stubObserver) ConnectionClosed()     {}
func (s *stubObserver) EventHandled(string)   {}
func (s *stubObserver) EventDiscarded(string) {}
func (s *stubObserver) RoomCreated()          {}
func (s *stubObserver) RoomDeleted()          {}
func (s *stubObserver) MessageRelayed(int)    {}
func (s *stubObserver) ConnectionEvicted()    { s.evicted++ }
