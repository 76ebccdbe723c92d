package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arenadesk/relay/pkg/protocol"
)

// Conn is one authenticated persistent connection. It is created by the
// gateway after a successful handshake and owned by the Relay registry;
// the transport layer only drains the outbox and signals disconnect.
type Conn struct {
	SessionID   string
	PrincipalID string
	Role        string

	outbox chan protocol.Event

	mu  sync.Mutex // serializes stamp-and-enqueue
	seq int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewConn(parent context.Context, principalID, role string, sendBuffer int) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		SessionID:   uuid.NewString(),
		PrincipalID: principalID,
		Role:        role,
		outbox:      make(chan protocol.Event, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Outbox is drained by the transport's writer goroutine.
func (c *Conn) Outbox() <-chan protocol.Event { return c.outbox }

// Done is closed once the connection has been deregistered.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Send enqueues an event, stamping the per-connection sequence number.
// It never blocks: a full outbox means the client has fallen too far
// behind, and the caller should drop the connection.
//
// Stamp and enqueue happen under one lock, so concurrent senders (room
// actors, the registry, gateway acks) can never enqueue out of stamp
// order, and a rejected send consumes no number. Receivers may treat any
// seq gap as lost events.
func (c *Conn) Send(ev protocol.Event) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ev.Seq = c.seq + 1
	select {
	case c.outbox <- ev:
		c.seq++
		return true
	default:
		return false
	}
}

// close marks the connection dead. The outbox channel is deliberately
// never closed: room actors may still hold a reference mid-publish, and a
// send into the buffer of a dead connection is harmless.
func (c *Conn) close() { c.cancel() }
