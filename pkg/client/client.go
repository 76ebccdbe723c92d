// Package client is the consumer side of the delivery layer: it owns the
// persistent connection, the per-room reconciled views, and the unread
// badge, and surfaces mutations to the UI through callbacks.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/arenadesk/relay/internal/reconcile"
	"github.com/arenadesk/relay/pkg/protocol"
)

// ErrConnect wraps a failed handshake. Terminal: obtain a fresh
// credential before retrying.
var ErrConnect = errors.New("connect failed")

const (
	dialTimeout       = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	reconnectMin      = time.Second
	reconnectMax      = 30 * time.Second
)

// Callbacks deliver applied events to the UI. All callbacks run on the
// client's read goroutine and must not block; nil callbacks are skipped.
type Callbacks struct {
	OnMessageCreated      func(m protocol.Message)
	OnMessageUpdated      func(m protocol.Message)
	OnMessageDeleted      func(roomID, messageID string)
	OnNotificationCreated func(n protocol.Notification)
	OnUnreadChanged       func(count int)
	// OnConnected reports transport state; false means the client is in
	// its degraded/offline mode and resyncing in the background.
	OnConnected func(up bool)
}

type Client struct {
	baseURL string
	httpc   *http.Client
	cb      Callbacks
	log     *zap.SugaredLogger

	mu      sync.Mutex
	token   string
	conn    *websocket.Conn
	views   map[string]*reconcile.RoomView
	fetches map[string]context.CancelFunc
	counter *reconcile.UnreadCounter
	lastSeq int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a client against the given HTTP base URL (e.g.
// "http://console.internal:8080"). Connect must be called before use.
func New(baseURL, token string, cb Callbacks, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
		cb:      cb,
		log:     log,
		token:   token,
		views:   make(map[string]*reconcile.RoomView),
		fetches: make(map[string]context.CancelFunc),
		counter: reconcile.NewUnreadCounter(),
	}
}

// SetToken swaps the credential used for the next dial and for
// request/response calls. An already-established connection keeps its
// original handshake until it drops.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Connect establishes the persistent connection. Auth failure is
// terminal; the transport loop afterwards reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial(c.ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.run()
	return nil
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws?token=" + token

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return conn, nil
}

// SubscribeRoom subscribes to the room and starts the snapshot fetch.
// Live events arriving while the fetch is in flight are buffered by the
// view and merged when the snapshot lands.
func (c *Client) SubscribeRoom(roomID string) error {
	c.mu.Lock()
	view, ok := c.views[roomID]
	if !ok {
		view = reconcile.NewRoomView()
		c.views[roomID] = view
	}
	gen := view.BeginLoad()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrConnect)
	}
	if err := c.sendOp(conn, protocol.OpSubscribe, roomID); err != nil {
		return err
	}

	c.startFetch(roomID, gen)
	return nil
}

// UnsubscribeRoom leaves the room and cancels any in-flight snapshot
// fetch; a late response is discarded by its stale generation token.
func (c *Client) UnsubscribeRoom(roomID string) {
	c.mu.Lock()
	if cancel, ok := c.fetches[roomID]; ok {
		cancel()
		delete(c.fetches, roomID)
	}
	delete(c.views, roomID)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = c.sendOp(conn, protocol.OpUnsubscribe, roomID)
	}
}

// RoomMessages returns the current reconciled view of a room.
func (c *Client) RoomMessages(roomID string) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if view, ok := c.views[roomID]; ok {
		return view.Messages()
	}
	return nil
}

// Unread returns the local notification badge value.
func (c *Client) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter.Count()
}

// FetchNotifications pulls the notification snapshot and adopts its
// authoritative unread count.
func (c *Client) FetchNotifications(ctx context.Context) ([]protocol.Notification, int, error) {
	var out struct {
		Notifications []protocol.Notification `json:"notifications"`
		UnreadCount   int                     `json:"unread_count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, 0, err
	}
	c.syncUnread(out.UnreadCount)
	return out.Notifications, out.UnreadCount, nil
}

// MarkNotificationRead applies the read transition server-side and adopts
// the returned count — never a local decrement, since the read may race
// another session of the same operator.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/notifications/"+id+"/read", nil, &out); err != nil {
		return 0, err
	}
	c.syncUnread(out.UnreadCount)
	return out.UnreadCount, nil
}

// SendMessage posts a message into a room over request/response; the echo
// arrives as a message_create event and is applied like any other.
func (c *Client) SendMessage(ctx context.Context, roomID, body string) (protocol.Message, error) {
	var m protocol.Message
	err := c.doJSON(ctx, http.MethodPost, "/rooms/"+roomID+"/messages",
		map[string]string{"body": body}, &m)
	return m, err
}

func (c *Client) syncUnread(count int) {
	c.mu.Lock()
	c.counter.Sync(count)
	badge := c.counter.Count()
	c.mu.Unlock()
	if c.cb.OnUnreadChanged != nil {
		c.cb.OnUnreadChanged(badge)
	}
}

func (c *Client) sendOp(conn *websocket.Conn, op, roomID string) error {
	ev := protocol.NewEvent(op, protocol.SubscribeData{RoomID: roomID})
	payload, _ := json.Marshal(ev)
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// startFetch runs the room snapshot fetch in the background, cancellable
// by UnsubscribeRoom or a room switch.
func (c *Client) startFetch(roomID string, gen int) {
	fetchCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if prev, ok := c.fetches[roomID]; ok {
		prev()
	}
	c.fetches[roomID] = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		var out struct {
			Messages []protocol.Message `json:"messages"`
		}
		err := c.doJSON(fetchCtx, http.MethodGet, "/rooms/"+roomID+"/messages", nil, &out)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.log.Warnw("room snapshot fetch failed", "room", roomID, "err", err)
			if view, ok := c.views[roomID]; ok {
				view.MarkDiverged()
			}
			return
		}
		view, ok := c.views[roomID]
		if !ok {
			// Room abandoned while the fetch was in flight.
			return
		}
		if err := view.ApplySnapshot(gen, out.Messages); err != nil {
			// Stale: a newer load superseded this fetch. Discard.
			return
		}
	}()
}

// run is the transport loop: read until failure, then reconnect with
// backoff and resync every active room via snapshot re-fetch. Events
// missed during the outage are not replayed individually.
func (c *Client) run() {
	backoff := reconnectMin
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		c.readUntilError(conn)

		if c.ctx.Err() != nil {
			return
		}
		if c.cb.OnConnected != nil {
			c.cb.OnConnected(false)
		}
		c.markAllDiverged()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			next, err := c.dial(c.ctx)
			if err != nil {
				c.log.Warnw("reconnect failed", "err", err)
				backoff = min(backoff*2, reconnectMax)
				continue
			}

			c.mu.Lock()
			c.conn = next
			c.lastSeq = 0
			c.mu.Unlock()

			c.resync(next)
			if c.cb.OnConnected != nil {
				c.cb.OnConnected(true)
			}
			backoff = reconnectMin
			break
		}
	}
}

func (c *Client) readUntilError(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	heartbeats := time.NewTicker(heartbeatInterval)
	defer heartbeats.Stop()
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-done:
				return
			case <-heartbeats.C:
				ev := protocol.Event{Op: protocol.OpHeartbeat}
				payload, _ := json.Marshal(ev)
				ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
				err := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warnw("bad event payload", "err", err)
			continue
		}
		c.handleEvent(ev)
	}
}

// markAllDiverged transitions every room view for the resync pass.
func (c *Client) markAllDiverged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, view := range c.views {
		view.MarkDiverged()
	}
}

// resync re-subscribes every active room and re-fetches its snapshot to
// close the gap opened by the outage, then refreshes the unread count.
func (c *Client) resync(conn *websocket.Conn) {
	c.mu.Lock()
	rooms := make(map[string]int, len(c.views))
	for roomID, view := range c.views {
		rooms[roomID] = view.BeginLoad()
	}
	c.mu.Unlock()

	for roomID, gen := range rooms {
		if err := c.sendOp(conn, protocol.OpSubscribe, roomID); err != nil {
			c.log.Warnw("resubscribe failed", "room", roomID, "err", err)
			continue
		}
		c.startFetch(roomID, gen)
	}

	if _, _, err := c.FetchNotifications(c.ctx); err != nil {
		c.log.Warnw("notification resync failed", "err", err)
	}
}

func (c *Client) handleEvent(ev protocol.Event) {
	if ev.Seq > 0 {
		c.mu.Lock()
		gap := c.lastSeq > 0 && ev.Seq > c.lastSeq+1
		c.lastSeq = ev.Seq
		c.mu.Unlock()
		if gap {
			// The relay dropped events for this connection. Treat like a
			// transport gap: resync via snapshot re-fetch.
			c.log.Warnw("sequence gap detected", "seq", ev.Seq)
			c.markAllDiverged()
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				c.resync(conn)
			}
			return
		}
	}

	if me, ok, err := protocol.DecodeMessageEvent(ev); ok {
		if err != nil {
			c.log.Warnw("bad message event", "op", ev.Op, "err", err)
			return
		}
		c.applyMessageEvent(me)
		return
	}

	switch ev.Op {
	case protocol.OpNotificationCreate:
		var n protocol.Notification
		if err := json.Unmarshal(ev.Data, &n); err != nil {
			c.log.Warnw("bad notification payload", "err", err)
			return
		}
		c.mu.Lock()
		c.counter.OnCreated(n.ID)
		badge := c.counter.Count()
		c.mu.Unlock()
		if c.cb.OnNotificationCreated != nil {
			c.cb.OnNotificationCreated(n)
		}
		if c.cb.OnUnreadChanged != nil {
			c.cb.OnUnreadChanged(badge)
		}

	case protocol.OpReady, protocol.OpHeartbeatAck,
		protocol.OpSubscribed, protocol.OpUnsubscribed:
		// Housekeeping; nothing to apply.

	case protocol.OpError:
		var d protocol.ErrorData
		_ = json.Unmarshal(ev.Data, &d)
		c.log.Warnw("server error event", "code", d.Code, "room", d.RoomID, "msg", d.Message)

	default:
		c.log.Debugw("ignoring unknown op", "op", ev.Op)
	}
}

// applyMessageEvent routes the event to its room view and fires the UI
// callback only when the view actually changed, so duplicate delivery
// never re-renders.
func (c *Client) applyMessageEvent(me protocol.MessageEvent) {
	c.mu.Lock()
	view, ok := c.views[me.Room()]
	if !ok {
		// Event for a room this client no longer displays.
		c.mu.Unlock()
		return
	}
	applied := view.Apply(me)
	c.mu.Unlock()
	if !applied {
		return
	}

	switch e := me.(type) {
	case protocol.MessageCreated:
		if c.cb.OnMessageCreated != nil {
			c.cb.OnMessageCreated(e.Message)
		}
	case protocol.MessageUpdated:
		if c.cb.OnMessageUpdated != nil {
			c.cb.OnMessageUpdated(e.Message)
		}
	case protocol.MessageDeleted:
		if c.cb.OnMessageDeleted != nil {
			c.cb.OnMessageDeleted(e.RoomID, e.MessageID)
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var buf *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(raw)
	} else {
		buf = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.Unlock()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
