// Package ws is the connection gateway: it authenticates the bearer
// credential presented once at connection establishment, upgrades to a
// websocket, and bridges the transport to the relay registry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/arenadesk/relay/internal/auth"
	"github.com/arenadesk/relay/internal/config"
	"github.com/arenadesk/relay/internal/relay"
	"github.com/arenadesk/relay/pkg/protocol"
)

// Handler upgrades /ws requests and runs one connection's read loop.
type Handler struct {
	relay    *relay.Relay
	verifier auth.TokenVerifier
	cfg      config.RelayConfig
	log      *zap.SugaredLogger
}

func NewHandler(r *relay.Relay, verifier auth.TokenVerifier, cfg config.RelayConfig, log *zap.SugaredLogger) *Handler {
	return &Handler{relay: r, verifier: verifier, cfg: cfg, log: log}
}

// ServeHTTP authenticates, registers the connection, then blocks in the
// read loop until disconnect. Browsers cannot set headers on websocket
// requests, so the credential travels as a query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		// Terminal: no retry here, the caller must re-authenticate and
		// establish a new connection.
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket accept failed", "principal", claims.PrincipalID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c := relay.NewConn(context.Background(), claims.PrincipalID, claims.Role, h.cfg.SendBuffer)
	h.relay.Register(c)
	// Idempotent, and releases every room membership in one turn.
	defer h.relay.Deregister(c)

	c.Send(protocol.NewEvent(protocol.OpReady, protocol.ReadyData{
		SessionID:  c.SessionID,
		ServerTime: time.Now().UTC(),
	}))

	go h.writeLoop(conn, c)
	h.readLoop(r.Context(), conn, c)
}

// writeLoop drains the connection outbox onto the wire. It exits when the
// registry deregisters the connection or a write fails, and closes the
// transport on the way out so the read side errors and the client's
// reconnect/resync path engages instead of idling on a half-dead
// connection.
func (h *Handler) writeLoop(conn *websocket.Conn, c *relay.Conn) {
	defer conn.CloseNow()
	for {
		select {
		case <-c.Done():
			return

		case ev := <-c.Outbox():
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Errorw("marshal outbound event", "session", c.SessionID, "err", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			err = conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readLoop reads client ops. Each read carries the idle deadline: a
// connection that sends nothing, not even a heartbeat, within the timeout
// is reaped and treated as a disconnect.
func (h *Handler) readLoop(parent context.Context, conn *websocket.Conn, c *relay.Conn) {
	for {
		ctx, cancel := context.WithTimeout(parent, h.cfg.IdleTimeout)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				h.log.Infow("reaping idle connection", "session", c.SessionID)
			}
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.Send(protocol.NewEvent(protocol.OpError, protocol.ErrorData{
				Code: protocol.ErrCodeBadPayload, Message: "bad json",
			}))
			continue
		}

		h.handleOp(c, ev)
	}
}

func (h *Handler) handleOp(c *relay.Conn, ev protocol.Event) {
	switch ev.Op {
	case protocol.OpHeartbeat:
		c.Send(protocol.Event{Op: protocol.OpHeartbeatAck})

	case protocol.OpSubscribe:
		roomID, ok := h.roomID(c, ev)
		if !ok {
			return
		}
		if err := h.relay.Subscribe(c, roomID); err != nil {
			// Terminal for this subscribe only; the connection stays up.
			c.Send(protocol.NewEvent(protocol.OpError, protocol.ErrorData{
				Code:    protocol.ErrCodeSubscriptionDenied,
				Message: err.Error(),
				RoomID:  roomID,
			}))
			return
		}
		c.Send(protocol.NewEvent(protocol.OpSubscribed, protocol.SubscribeData{RoomID: roomID}))

	case protocol.OpUnsubscribe:
		roomID, ok := h.roomID(c, ev)
		if !ok {
			return
		}
		h.relay.Unsubscribe(c, roomID)
		c.Send(protocol.NewEvent(protocol.OpUnsubscribed, protocol.SubscribeData{RoomID: roomID}))

	default:
		c.Send(protocol.NewEvent(protocol.OpError, protocol.ErrorData{
			Code: protocol.ErrCodeUnknownOp, Message: "unknown op " + ev.Op,
		}))
	}
}

func (h *Handler) roomID(c *relay.Conn, ev protocol.Event) (string, bool) {
	var d protocol.SubscribeData
	if err := json.Unmarshal(ev.Data, &d); err != nil || d.RoomID == "" {
		c.Send(protocol.NewEvent(protocol.OpError, protocol.ErrorData{
			Code: protocol.ErrCodeBadPayload, Message: "missing room_id",
		}))
		return "", false
	}
	return d.RoomID, true
}
