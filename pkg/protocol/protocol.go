// Package protocol defines the wire envelope shared by the relay and its
// clients, the domain records it carries, and the closed set of mutation
// events a receiver must be able to apply.
//
// Every event is self-describing: it carries the full current state of the
// affected record, so a receiver needs no prior state beyond its own
// dedup index. Delete is the exception and carries only identifiers.
package protocol

import (
	"encoding/json"
	"time"
)

// Event is the envelope for everything crossing the websocket, in both
// directions. Seq is assigned per connection on outbound events; a gap in
// seq tells the client it missed something and should resync.
type Event struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// Client -> server ops.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpHeartbeat   = "heartbeat"
)

// Server -> client ops.
const (
	OpReady              = "ready"
	OpHeartbeatAck       = "heartbeat_ack"
	OpSubscribed         = "subscribed"
	OpUnsubscribed       = "unsubscribed"
	OpError              = "error"
	OpMessageCreate      = "message_create"
	OpMessageUpdate      = "message_update"
	OpMessageDelete      = "message_delete"
	OpNotificationCreate = "notification_create"
)

// Message is a single entry in a tournament conversation. Authoritative
// storage belongs to the persistence layer; the relay treats it as an
// opaque payload with a stable id.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	AuthorID   string    `json:"author_id"`
	AuthorRole string    `json:"author_role"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Notification is an admin-facing announcement. Only creation is ever
// broadcast; read-state changes travel over request/response.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageEvent is the closed variant set of room mutations. Receivers
// dispatch on the concrete type, never on op strings.
type MessageEvent interface {
	isMessageEvent()
	// Room returns the room the event belongs to, for routing.
	Room() string
}

type MessageCreated struct{ Message Message }

type MessageUpdated struct{ Message Message }

type MessageDeleted struct {
	MessageID string
	RoomID    string
}

func (MessageCreated) isMessageEvent() {}
func (MessageUpdated) isMessageEvent() {}
func (MessageDeleted) isMessageEvent() {}

func (e MessageCreated) Room() string { return e.Message.RoomID }
func (e MessageUpdated) Room() string { return e.Message.RoomID }
func (e MessageDeleted) Room() string { return e.RoomID }

// NotificationCreated is the single notification event variant. It is
// connection-class: delivery ignores room subscriptions.
type NotificationCreated struct{ Notification Notification }

// MessageDeleteData is the wire payload of message_delete.
type MessageDeleteData struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
}

// SubscribeData is the payload of subscribe/unsubscribe and their acks.
type SubscribeData struct {
	RoomID string `json:"room_id"`
}

// ReadyData is sent once after a successful handshake.
type ReadyData struct {
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// ErrorData is the payload of error events. Code is one of the
// machine-readable codes below; RoomID is set for subscription failures.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}

const (
	ErrCodeSubscriptionDenied = "subscription_denied"
	ErrCodeBadPayload         = "bad_payload"
	ErrCodeUnknownOp          = "unknown_op"
)

// NewEvent marshals data into an envelope with the given op. Marshal
// failure is a programming error; the payload types above cannot fail.
func NewEvent(op string, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		panic("protocol: unmarshalable payload: " + err.Error())
	}
	return Event{Op: op, Data: raw}
}

// EncodeMessageEvent wraps a message event in its wire envelope.
func EncodeMessageEvent(ev MessageEvent) Event {
	switch e := ev.(type) {
	case MessageCreated:
		return NewEvent(OpMessageCreate, e.Message)
	case MessageUpdated:
		return NewEvent(OpMessageUpdate, e.Message)
	case MessageDeleted:
		return NewEvent(OpMessageDelete, MessageDeleteData{ID: e.MessageID, RoomID: e.RoomID})
	default:
		panic("protocol: unknown message event variant")
	}
}

// DecodeMessageEvent recovers the variant from an inbound envelope. The
// boolean reports whether the op is a message mutation at all; the error
// reports a malformed payload for an op that is.
func DecodeMessageEvent(ev Event) (MessageEvent, bool, error) {
	switch ev.Op {
	case OpMessageCreate:
		var m Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			return nil, true, err
		}
		return MessageCreated{Message: m}, true, nil
	case OpMessageUpdate:
		var m Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			return nil, true, err
		}
		return MessageUpdated{Message: m}, true, nil
	case OpMessageDelete:
		var d MessageDeleteData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return nil, true, err
		}
		return MessageDeleted{MessageID: d.ID, RoomID: d.RoomID}, true, nil
	default:
		return nil, false, nil
	}
}
