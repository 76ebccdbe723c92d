package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arenadesk/relay/internal/auth"
	"github.com/arenadesk/relay/internal/config"
	"github.com/arenadesk/relay/internal/relay"
	"github.com/arenadesk/relay/pkg/protocol"
)

type gateway struct {
	srv      *httptest.Server
	relay    *relay.Relay
	verifier *auth.JWTVerifier
}

func newGateway(t *testing.T, authorize relay.Authorizer, idle time.Duration) *gateway {
	return newGatewayBuffered(t, authorize, idle, 16)
}

func newGatewayBuffered(t *testing.T, authorize relay.Authorizer, idle time.Duration, sendBuffer int) *gateway {
	t.Helper()
	log := zap.NewNop().Sugar()
	rel := relay.New(context.Background(), authorize, log)
	t.Cleanup(rel.Close)

	verifier := auth.NewJWTVerifier("test-secret")
	cfg := config.RelayConfig{
		IdleTimeout:  idle,
		WriteTimeout: time.Second,
		SendBuffer:   sendBuffer,
	}
	srv := httptest.NewServer(NewHandler(rel, verifier, cfg, log))
	t.Cleanup(srv.Close)
	return &gateway{srv: srv, relay: rel, verifier: verifier}
}

func (g *gateway) dial(t *testing.T, principal, role string) *websocket.Conn {
	t.Helper()
	token, err := g.verifier.Sign(principal, role, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev protocol.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func writeEvent(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))
}

func TestHandler_RejectsBadCredentials(t *testing.T) {
	g := newGateway(t, nil, time.Minute)

	resp, err := http.Get(g.srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(g.srv.URL + "/?token=forged")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_HandshakeSendsReady(t *testing.T) {
	g := newGateway(t, nil, time.Minute)
	conn := g.dial(t, "admin-1", auth.RoleAdmin)

	ev := readEvent(t, conn)
	require.Equal(t, protocol.OpReady, ev.Op)
	var ready protocol.ReadyData
	require.NoError(t, json.Unmarshal(ev.Data, &ready))
	assert.NotEmpty(t, ready.SessionID)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestHandler_SubscribeThenReceive(t *testing.T) {
	g := newGateway(t, nil, time.Minute)
	conn := g.dial(t, "admin-1", auth.RoleAdmin)
	_ = readEvent(t, conn) // ready

	writeEvent(t, conn, protocol.NewEvent(protocol.OpSubscribe, protocol.SubscribeData{RoomID: "T-1"}))
	ack := readEvent(t, conn)
	require.Equal(t, protocol.OpSubscribed, ack.Op)

	g.relay.Publish(protocol.MessageCreated{Message: protocol.Message{
		ID: "m1", RoomID: "T-1", Body: "hi",
	}})

	ev := readEvent(t, conn)
	require.Equal(t, protocol.OpMessageCreate, ev.Op)
	var m protocol.Message
	require.NoError(t, json.Unmarshal(ev.Data, &m))
	assert.Equal(t, "m1", m.ID)
}

func TestHandler_HeartbeatAck(t *testing.T) {
	g := newGateway(t, nil, time.Minute)
	conn := g.dial(t, "p-1", auth.RolePlayer)
	_ = readEvent(t, conn) // ready

	writeEvent(t, conn, protocol.Event{Op: protocol.OpHeartbeat})
	ev := readEvent(t, conn)
	assert.Equal(t, protocol.OpHeartbeatAck, ev.Op)
}

func TestHandler_SubscriptionDeniedKeepsConnectionUsable(t *testing.T) {
	adminOnly := func(_, role, _ string) bool { return role == auth.RoleAdmin }
	g := newGateway(t, adminOnly, time.Minute)
	conn := g.dial(t, "p-1", auth.RolePlayer)
	_ = readEvent(t, conn) // ready

	writeEvent(t, conn, protocol.NewEvent(protocol.OpSubscribe, protocol.SubscribeData{RoomID: "T-1"}))
	ev := readEvent(t, conn)
	require.Equal(t, protocol.OpError, ev.Op)
	var ed protocol.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &ed))
	assert.Equal(t, protocol.ErrCodeSubscriptionDenied, ed.Code)
	assert.Equal(t, "T-1", ed.RoomID)

	// Terminal for that subscribe only.
	writeEvent(t, conn, protocol.Event{Op: protocol.OpHeartbeat})
	assert.Equal(t, protocol.OpHeartbeatAck, readEvent(t, conn).Op)
}

func TestHandler_UnknownOp(t *testing.T) {
	g := newGateway(t, nil, time.Minute)
	conn := g.dial(t, "p-1", auth.RolePlayer)
	_ = readEvent(t, conn) // ready

	writeEvent(t, conn, protocol.Event{Op: "dance"})
	ev := readEvent(t, conn)
	require.Equal(t, protocol.OpError, ev.Op)
	var ed protocol.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &ed))
	assert.Equal(t, protocol.ErrCodeUnknownOp, ed.Code)
}

func TestHandler_IdleConnectionIsReaped(t *testing.T) {
	g := newGateway(t, nil, 150*time.Millisecond)
	conn := g.dial(t, "p-1", auth.RolePlayer)
	_ = readEvent(t, conn) // ready

	// Send nothing, not even a heartbeat.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v := g.relay.Snapshot(); v.NumConns == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle connection was not reaped")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// A connection dropped by the registry must have its transport closed,
// so the peer sees a read error and can reconnect and resync instead of
// idling on a half-dead connection.
func TestHandler_DropClosesTransport(t *testing.T) {
	g := newGatewayBuffered(t, nil, time.Minute, 1)
	conn := g.dial(t, "admin-1", auth.RoleAdmin)
	_ = readEvent(t, conn) // ready

	writeEvent(t, conn, protocol.NewEvent(protocol.OpSubscribe, protocol.SubscribeData{RoomID: "T-1"}))

	// Stop reading and flood the one-slot outbox with large payloads
	// until the write stalls and the relay drops the subscriber.
	body := strings.Repeat("x", 1<<20)
	for i := 0; g.relay.Snapshot().NumConns > 0; i++ {
		if i > 100 {
			t.Fatalf("relay never dropped the stalled subscriber")
		}
		g.relay.Publish(protocol.MessageCreated{Message: protocol.Message{
			ID: fmt.Sprintf("m%d", i), RoomID: "T-1", Body: body,
		}})
		time.Sleep(20 * time.Millisecond)
	}

	// Buffered frames may still drain, but the transport must then error.
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transport still open after server-side drop")
		}
	}
}

func TestHandler_DisconnectReleasesMemberships(t *testing.T) {
	g := newGateway(t, nil, time.Minute)
	conn := g.dial(t, "admin-1", auth.RoleAdmin)
	_ = readEvent(t, conn) // ready

	writeEvent(t, conn, protocol.NewEvent(protocol.OpSubscribe, protocol.SubscribeData{RoomID: "T-1"}))
	_ = readEvent(t, conn) // subscribed

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		v := g.relay.Snapshot()
		if v.NumConns == 0 && v.NumRooms == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("memberships not released: %+v", v)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
