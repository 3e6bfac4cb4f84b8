// Package integration exercises the relay end to end over real WebSocket
// connections, including the two-process fan-out scenario on a shared
// exchange.
package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/auth"
	"github.com/relaychat/relay/internal/broker"
	"github.com/relaychat/relay/internal/history"
	"github.com/relaychat/relay/internal/protocol"
	"github.com/relaychat/relay/internal/server"
)

const readWait = 3 * time.Second

func newRelay(t *testing.T, origin string, x *broker.Exchange) (*server.Core, *httptest.Server) {
	t.Helper()

	cfg := server.Config{
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 1024,
		RateLimit: server.RateLimitConfig{
			Burst:          1000,
			RefillInterval: time.Second,
		},
		QueueSize: 32,
	}

	factory := func(handler broker.Handler) (broker.Broker, error) {
		return x.Endpoint(handler), nil
	}
	core, err := server.NewCore(origin, cfg, auth.QueryParam{}, history.Nop{}, factory, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(server.SetupRoutes(core))
	t.Cleanup(ts.Close)
	return core, ts
}

func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user=" + user
	header := http.Header{"Origin": []string{ts.URL}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame protocol.Inbound) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// expectFrame reads frames until one of the wanted type arrives.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) protocol.Outbound {
	t.Helper()
	deadline := time.Now().Add(readWait)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s frame", wantType)

		var frame protocol.Outbound
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame.Type == wantType {
			return frame
		}
	}
}

func TestRoomScenarioSingleProcess(t *testing.T) {
	_, ts := newRelay(t, "p1", broker.NewExchange())

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")

	send(t, alice, protocol.Inbound{Action: protocol.ActionJoinRoom, RoomID: "general"})
	joined := expectFrame(t, alice, protocol.TypeUserJoined)
	assert.Equal(t, "alice", joined.UserID)

	send(t, bob, protocol.Inbound{Action: protocol.ActionJoinRoom, RoomID: "general"})
	joined = expectFrame(t, alice, protocol.TypeUserJoined)
	assert.Equal(t, "bob", joined.UserID)
	expectFrame(t, bob, protocol.TypeUserJoined)

	send(t, alice, protocol.Inbound{Action: protocol.ActionSendMessage, RoomID: "general", Content: "hi"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := expectFrame(t, conn, protocol.TypeReceiveMessage)
		assert.Equal(t, "general", msg.RoomID)
		assert.Equal(t, "alice", msg.UserID)
		assert.Equal(t, "hi", msg.Content)
		assert.NotZero(t, msg.Timestamp)
		assert.NotZero(t, msg.Sequence)
	}

	// Bob disconnects; alice observes the userLeft and remains the only
	// member.
	require.NoError(t, bob.Close())
	left := expectFrame(t, alice, protocol.TypeUserLeft)
	assert.Equal(t, "bob", left.UserID)

	send(t, alice, protocol.Inbound{Action: protocol.ActionSendMessage, RoomID: "general", Content: "anyone?"})
	msg := expectFrame(t, alice, protocol.TypeReceiveMessage)
	assert.Equal(t, "anyone?", msg.Content)
}

func TestCrossProcessFanout(t *testing.T) {
	x := broker.NewExchange()
	_, ts1 := newRelay(t, "p1", x)
	_, ts2 := newRelay(t, "p2", x)

	alice := dial(t, ts1, "alice")
	bob := dial(t, ts2, "bob")

	send(t, alice, protocol.Inbound{Action: protocol.ActionJoinRoom, RoomID: "lobby"})
	expectFrame(t, alice, protocol.TypeUserJoined)

	send(t, bob, protocol.Inbound{Action: protocol.ActionJoinRoom, RoomID: "lobby"})
	expectFrame(t, bob, protocol.TypeUserJoined)

	// alice's process learns of bob's join only through the broker.
	joined := expectFrame(t, alice, protocol.TypeUserJoined)
	assert.Equal(t, "bob", joined.UserID)

	send(t, alice, protocol.Inbound{Action: protocol.ActionSendMessage, RoomID: "lobby", Content: "hello across"})
	msg := expectFrame(t, bob, protocol.TypeReceiveMessage)
	assert.Equal(t, "lobby", msg.RoomID)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "hello across", msg.Content)
}

func TestValidationErrors(t *testing.T) {
	_, ts := newRelay(t, "p1", broker.NewExchange())
	alice := dial(t, ts, "alice")

	// Garbage frame.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := expectFrame(t, alice, protocol.TypeError)
	assert.Equal(t, protocol.CodeValidationError, frame.Code)

	// Sending to a room never joined.
	send(t, alice, protocol.Inbound{Action: protocol.ActionSendMessage, RoomID: "general", Content: "hi"})
	frame = expectFrame(t, alice, protocol.TypeError)
	assert.Equal(t, protocol.CodeValidationError, frame.Code)

	// The connection survives validation failures.
	send(t, alice, protocol.Inbound{Action: protocol.ActionJoinRoom, RoomID: "general"})
	expectFrame(t, alice, protocol.TypeUserJoined)
}

func TestUnauthenticatedHandshakeRejected(t *testing.T) {
	_, ts := newRelay(t, "p1", broker.NewExchange())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{ts.URL}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGracefulShutdownDrains(t *testing.T) {
	core, ts := newRelay(t, "p1", broker.NewExchange())

	alice := dial(t, ts, "alice")
	send(t, alice, protocol.Inbound{Action: protocol.ActionJoinRoom, RoomID: "general"})
	expectFrame(t, alice, protocol.TypeUserJoined)

	require.NoError(t, core.Shutdown(5*time.Second))

	// The health endpoint reports draining.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The client's connection was closed once its queue flushed.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(readWait)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			break
		}
	}

	// New connections are refused while draining.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user=late"
	header := http.Header{"Origin": []string{ts.URL}}
	conn, resp2, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.Nil(t, conn)
	if resp2 != nil {
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newRelay(t, "p1", broker.NewExchange())

	alice := dial(t, ts, "alice")
	send(t, alice, protocol.Inbound{Action: protocol.ActionJoinRoom, RoomID: "general"})
	expectFrame(t, alice, protocol.TypeUserJoined)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_active_connections 1")
	assert.Contains(t, string(body), "relay_local_rooms 1")
}
