package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"grid_trader/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T, onPing func(*websocket.Conn), onConnect func()) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onConnect != nil {
			onConnect()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if onPing != nil {
			conn.SetPingHandler(func(string) error {
				onPing(conn)
				return nil
			})
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newFastClient(t *testing.T, url string, handler MessageHandler) *Client {
	t.Helper()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	client := NewClient(url, handler, logger)
	client.SetPingConfig(50*time.Millisecond, 25*time.Millisecond, 150*time.Millisecond)
	client.reconnectWait = 10 * time.Millisecond
	return client
}

func TestClient_SendsHeartbeats(t *testing.T) {
	var pings atomic.Int32
	url := startEchoServer(t, func(conn *websocket.Conn) {
		pings.Add(1)
		_ = conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
	}, nil)

	client := newFastClient(t, url, func([]byte) {})
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ReconnectsOnPongTimeout(t *testing.T) {
	var connections atomic.Int32
	// Swallowing pings leaves the read deadline unrefreshed, so the client
	// must tear the connection down and dial again
	url := startEchoServer(t, func(*websocket.Conn) {}, func() {
		connections.Add(1)
	})

	client := newFastClient(t, url, func([]byte) {})
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool { return connections.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
}
