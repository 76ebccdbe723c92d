package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/arenadesk/relay/pkg/protocol"
)

type roomMsg interface{ isRoomMsg() }

type join struct {
	conn  *Conn
	reply chan int // subscriber count after the join
}

type leave struct {
	conn  *Conn
	reply chan int // subscriber count after the leave; 0 means the room is dead
}

type deliver struct {
	ev protocol.Event // envelope without seq; stamped per connection
}

type roomShutdown struct{}

func (join) isRoomMsg()         {}
func (leave) isRoomMsg()        {}
func (deliver) isRoomMsg()      {}
func (roomShutdown) isRoomMsg() {}

// room is the single-threaded actor owning one room's subscriber set.
// Running subscribe, unsubscribe and delivery through one inbox gives the
// per-room total order and makes membership changes mutually exclusive
// with publishes for that room. Rooms never talk to each other, so
// delivery for different rooms proceeds concurrently.
type room struct {
	id      string
	inbox   chan roomMsg
	subs    map[*Conn]struct{}
	dropped func(*Conn) // called off-loop when a slow subscriber must go
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.SugaredLogger
}

func newRoom(parent context.Context, id string, dropped func(*Conn), log *zap.SugaredLogger) *room {
	ctx, cancel := context.WithCancel(parent)
	r := &room{
		id:      id,
		inbox:   make(chan roomMsg, 64),
		subs:    make(map[*Conn]struct{}),
		dropped: dropped,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	go r.loop()
	return r
}

func (r *room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case join:
				// Idempotent: a second join from the same connection is
				// a no-op, not an error.
				r.subs[msg.conn] = struct{}{}
				msg.reply <- len(r.subs)

			case leave:
				delete(r.subs, msg.conn)
				msg.reply <- len(r.subs)

			case deliver:
				r.broadcast(msg.ev)

			case roomShutdown:
				r.cancel()
				return
			}
		}
	}
}

// broadcast fans the event out to every current subscriber. No replay:
// connections joining after this point never see it.
func (r *room) broadcast(ev protocol.Event) {
	for conn := range r.subs {
		if !conn.Send(ev) {
			// Slow or dead subscriber. Remove it here so later events in
			// this room stop trying, and hand it to the registry for a
			// full disconnect off-loop.
			delete(r.subs, conn)
			r.log.Warnw("dropping slow subscriber",
				"room", r.id, "session", conn.SessionID)
			go r.dropped(conn)
		}
	}
}
