// Package relay implements the server side of the real-time delivery
// layer: a registry of authenticated connections, room-scoped fan-out for
// tournament conversations, and a connection-class broadcast channel for
// admin notifications.
//
// All shared state (the connection registry and the per-room subscriber
// sets) is owned by actors and reached only through the exported methods;
// callers never see a lock. The registry is one actor, each room is
// another, so membership changes and publishes for one room are serialized
// against each other while distinct rooms fan out concurrently.
package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/arenadesk/relay/internal/auth"
	"github.com/arenadesk/relay/pkg/protocol"
)

// ErrSubscriptionDenied is terminal for the subscribe call only; the
// connection stays usable for other rooms.
var ErrSubscriptionDenied = errors.New("not authorized to join room")

// Authorizer decides whether a principal may subscribe to a room.
type Authorizer func(principalID, role, roomID string) bool

// AllowAll admits every authenticated principal to every room. Room-level
// policy belongs to the platform; the relay only enforces the hook.
func AllowAll(string, string, string) bool { return true }

type relayMsg interface{ isRelayMsg() }

type register struct {
	conn  *Conn
	reply chan struct{}
}

type deregister struct {
	conn  *Conn
	reply chan struct{}
}

type subscribe struct {
	conn   *Conn
	roomID string
	reply  chan error
}

type unsubscribe struct {
	conn   *Conn
	roomID string
	reply  chan struct{}
}

type publish struct {
	ev protocol.MessageEvent
}

type notify struct {
	n protocol.Notification
}

type view struct {
	reply chan View
}

type shutdown struct {
	reply chan struct{}
}

func (register) isRelayMsg()    {}
func (deregister) isRelayMsg()  {}
func (subscribe) isRelayMsg()   {}
func (unsubscribe) isRelayMsg() {}
func (publish) isRelayMsg()     {}
func (notify) isRelayMsg()      {}
func (view) isRelayMsg()        {}
func (shutdown) isRelayMsg()    {}

// View reflects registry internals without data races. Test-only.
type View struct {
	NumConns int
	NumRooms int
}

// Relay is the registry actor.
type Relay struct {
	inbox      chan relayMsg
	conns      map[*Conn]struct{}
	rooms      map[string]*room
	members    map[*Conn]map[string]struct{}
	authorize  Authorizer
	ctx        context.Context
	cancel     context.CancelFunc
	log        *zap.SugaredLogger
}

func New(parent context.Context, authorize Authorizer, log *zap.SugaredLogger) *Relay {
	if authorize == nil {
		authorize = AllowAll
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Relay{
		inbox:     make(chan relayMsg, 64),
		conns:     make(map[*Conn]struct{}),
		rooms:     make(map[string]*room),
		members:   make(map[*Conn]map[string]struct{}),
		authorize: authorize,
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
	go r.loop()
	return r
}

// Register adds an authenticated connection to the registry.
func (r *Relay) Register(c *Conn) {
	reply := make(chan struct{}, 1)
	r.send(register{conn: c, reply: reply})
	<-reply
}

// Deregister removes the connection and releases every room membership it
// holds before returning, so a disconnecting client is never left
// half-subscribed. Idempotent.
func (r *Relay) Deregister(c *Conn) {
	reply := make(chan struct{}, 1)
	r.send(deregister{conn: c, reply: reply})
	<-reply
}

// Subscribe joins the connection to the room, creating the room on first
// subscribe. Subscribing twice is a no-op.
func (r *Relay) Subscribe(c *Conn, roomID string) error {
	reply := make(chan error, 1)
	r.send(subscribe{conn: c, roomID: roomID, reply: reply})
	return <-reply
}

// Unsubscribe leaves the room; the room index entry is garbage-collected
// when the last subscriber goes. Unknown room or membership is a no-op.
func (r *Relay) Unsubscribe(c *Conn, roomID string) {
	reply := make(chan struct{}, 1)
	r.send(unsubscribe{conn: c, roomID: roomID, reply: reply})
	<-reply
}

// Publish delivers the event to every current subscriber of its room,
// exactly once each, in publish order. Fire-and-forget: it does not wait
// for delivery. A room with no subscribers swallows the event — history
// comes from the snapshot fetch, never from replay.
func (r *Relay) Publish(ev protocol.MessageEvent) {
	r.send(publish{ev: ev})
}

// BroadcastNotification pushes a notification_create event to every
// connected admin, independent of room subscriptions.
func (r *Relay) BroadcastNotification(n protocol.Notification) {
	r.send(notify{n: n})
}

// Snapshot is test-only introspection, answered by the actor itself.
func (r *Relay) Snapshot() View {
	reply := make(chan View, 1)
	r.send(view{reply: reply})
	return <-reply
}

// Close shuts the registry and every room down and drops all connections.
func (r *Relay) Close() {
	reply := make(chan struct{}, 1)
	r.send(shutdown{reply: reply})
	<-reply
}

func (r *Relay) send(m relayMsg) {
	select {
	case r.inbox <- m:
	case <-r.ctx.Done():
		// Shut down: answer reply channels so callers never hang.
		switch msg := m.(type) {
		case register:
			msg.reply <- struct{}{}
		case deregister:
			msg.reply <- struct{}{}
		case subscribe:
			msg.reply <- ErrSubscriptionDenied
		case unsubscribe:
			msg.reply <- struct{}{}
		case view:
			msg.reply <- View{}
		case shutdown:
			msg.reply <- struct{}{}
		}
	}
}

func (r *Relay) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case register:
				r.conns[msg.conn] = struct{}{}
				r.log.Infow("connection registered",
					"session", msg.conn.SessionID,
					"principal", msg.conn.PrincipalID,
					"role", msg.conn.Role)
				msg.reply <- struct{}{}

			case deregister:
				r.dropConn(msg.conn)
				msg.reply <- struct{}{}

			case subscribe:
				msg.reply <- r.doSubscribe(msg.conn, msg.roomID)

			case unsubscribe:
				r.doUnsubscribe(msg.conn, msg.roomID)
				msg.reply <- struct{}{}

			case publish:
				if rm, ok := r.rooms[msg.ev.Room()]; ok {
					rm.inbox <- deliver{ev: protocol.EncodeMessageEvent(msg.ev)}
				}

			case notify:
				r.doNotify(msg.n)

			case view:
				msg.reply <- View{NumConns: len(r.conns), NumRooms: len(r.rooms)}

			case shutdown:
				for _, rm := range r.rooms {
					rm.inbox <- roomShutdown{}
				}
				for c := range r.conns {
					c.close()
				}
				clear(r.rooms)
				clear(r.conns)
				clear(r.members)
				r.cancel()
				msg.reply <- struct{}{}
				return
			}
		}
	}
}

func (r *Relay) doSubscribe(c *Conn, roomID string) error {
	if _, ok := r.conns[c]; !ok {
		return ErrSubscriptionDenied
	}
	if !r.authorize(c.PrincipalID, c.Role, roomID) {
		r.log.Warnw("subscription denied",
			"principal", c.PrincipalID, "room", roomID)
		return ErrSubscriptionDenied
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = newRoom(r.ctx, roomID, r.Deregister, r.log)
		r.rooms[roomID] = rm
	}

	reply := make(chan int, 1)
	rm.inbox <- join{conn: c, reply: reply}
	<-reply

	if r.members[c] == nil {
		r.members[c] = make(map[string]struct{})
	}
	r.members[c][roomID] = struct{}{}
	return nil
}

func (r *Relay) doUnsubscribe(c *Conn, roomID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}

	reply := make(chan int, 1)
	rm.inbox <- leave{conn: c, reply: reply}
	remaining := <-reply

	delete(r.members[c], roomID)
	if remaining == 0 {
		rm.inbox <- roomShutdown{}
		delete(r.rooms, roomID)
	}
}

// dropConn releases all memberships and kills the connection in one
// registry turn, so no publish processed afterwards can reach it.
func (r *Relay) dropConn(c *Conn) {
	if _, ok := r.conns[c]; !ok {
		// Already gone; Deregister is idempotent.
		return
	}
	for roomID := range r.members[c] {
		r.doUnsubscribe(c, roomID)
	}
	delete(r.members, c)
	delete(r.conns, c)
	c.close()
	r.log.Infow("connection deregistered", "session", c.SessionID)
}

func (r *Relay) doNotify(n protocol.Notification) {
	ev := protocol.NewEvent(protocol.OpNotificationCreate, n)
	for c := range r.conns {
		if c.Role != auth.RoleAdmin {
			continue
		}
		if !c.Send(ev) {
			r.log.Warnw("dropping slow admin connection", "session", c.SessionID)
			r.dropConn(c)
		}
	}
}
