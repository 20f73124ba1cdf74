package hub

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	h := New(cfg)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func hello(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": TypeHello, "payload": map[string]string{"userId": userID}}))
	evt := readEvent(t, conn)
	require.Equal(t, TypeHelloAck, evt.Type)
	payload, ok := evt.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, userID, payload["userId"])
}

func TestHelloRegistersAndRoutesByUser(t *testing.T) {
	h, url := newTestHub(t, Config{})
	alice1 := dial(t, url)
	alice2 := dial(t, url)
	bob := dial(t, url)
	hello(t, alice1, "alice")
	hello(t, alice2, "alice")
	hello(t, bob, "bob")

	assert.Equal(t, 2, h.UserConnections("alice"))
	assert.Equal(t, 1, h.UserConnections("bob"))
	assert.Equal(t, 2, h.Users())

	h.BroadcastToUser("alice", Event{Type: "agent.status", Payload: map[string]string{"status": "RUNNING"}})
	for _, c := range []*websocket.Conn{alice1, alice2} {
		evt := readEvent(t, c)
		assert.Equal(t, "agent.status", evt.Type)
	}

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "bob should not receive alice's events, got %v", err)
}

func TestUnregisteredConnectionReceivesNothing(t *testing.T) {
	h, url := newTestHub(t, Config{})
	anon := dial(t, url)
	require.Eventually(t, func() bool { return h.Connections() == 1 }, time.Second, 10*time.Millisecond)

	h.BroadcastAll(Event{Type: "orchestration.updated"})

	require.NoError(t, anon.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := anon.ReadMessage()
	assert.Error(t, err)
}

func TestBroadcastAllReachesEveryRegisteredUser(t *testing.T) {
	h, url := newTestHub(t, Config{})
	a := dial(t, url)
	b := dial(t, url)
	hello(t, a, "a")
	hello(t, b, "b")

	h.BroadcastAll(Event{Type: "system.notice", Payload: "maintenance"})
	assert.Equal(t, "maintenance", readEvent(t, a).Payload)
	assert.Equal(t, "maintenance", readEvent(t, b).Payload)
}

func TestDisconnectUnregisters(t *testing.T) {
	h, url := newTestHub(t, Config{})
	conn := dial(t, url)
	hello(t, conn, "alice")
	require.Equal(t, 1, h.UserConnections("alice"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.Connections() == 0 && h.UserConnections("alice") == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() { h.BroadcastToUser("alice", Event{Type: "agent.status"}) })
}

func TestSecondHelloMovesConnection(t *testing.T) {
	h, url := newTestHub(t, Config{})
	conn := dial(t, url)
	hello(t, conn, "alice")
	hello(t, conn, "bob")
	assert.Equal(t, 0, h.UserConnections("alice"))
	assert.Equal(t, 1, h.UserConnections("bob"))
}

func TestRejectedHelloStaysUnregistered(t *testing.T) {
	h, url := newTestHub(t, Config{Authenticate: func(hl Hello) (string, error) {
		if hl.Token != "good" {
			return "", errors.New("bad token")
		}
		return "token-user", nil
	}})
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": TypeHello, "payload": map[string]string{"userId": "mallory"}}))
	evt := readEvent(t, conn)
	assert.Equal(t, TypeError, evt.Type)
	assert.Equal(t, 0, h.Users())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": TypeHello, "payload": map[string]string{"userId": "mallory", "token": "good"}}))
	evt = readEvent(t, conn)
	require.Equal(t, TypeHelloAck, evt.Type)
	assert.Equal(t, 1, h.UserConnections("token-user"))
	assert.Equal(t, 0, h.UserConnections("mallory"))
}

func TestPingAndGarbage(t *testing.T) {
	_, url := newTestHub(t, Config{})
	conn := dial(t, url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypePing}))
	evt := readEvent(t, conn)
	assert.Equal(t, TypePong, evt.Type)

	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"pong"`)
}
