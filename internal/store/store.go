// Package store is the persistence collaborator behind the relay: the
// sole writer of message and notification records, and the source of the
// snapshots clients use to initialize or resync a reconciled view.
package store

import (
	"context"
	"errors"

	"github.com/arenadesk/relay/pkg/protocol"
)

var ErrNotFound = errors.New("not found")

// Store is implemented by Memory (dev, tests) and Postgres.
type Store interface {
	// RoomMessages returns the room's messages ordered by creation time.
	RoomMessages(ctx context.Context, roomID string) ([]protocol.Message, error)

	// CreateMessage persists a new message, assigning id and timestamps.
	CreateMessage(ctx context.Context, m protocol.Message) (protocol.Message, error)

	// UpdateMessage replaces the body and returns the full post-update
	// message, or ErrNotFound.
	UpdateMessage(ctx context.Context, id, body string) (protocol.Message, error)

	// DeleteMessage removes the message and returns it as it was, so the
	// caller knows which room to publish the deletion to.
	DeleteMessage(ctx context.Context, id string) (protocol.Message, error)

	// Notifications returns the admin's notifications, newest first, with
	// per-recipient read flags and the authoritative unread count.
	Notifications(ctx context.Context, adminID string) ([]protocol.Notification, int, error)

	// CreateNotification persists a new notification, assigning id and
	// creation time.
	CreateNotification(ctx context.Context, n protocol.Notification) (protocol.Notification, error)

	// MarkNotificationRead marks the notification read for this admin and
	// returns the new authoritative unread count. Idempotent: marking an
	// already-read notification returns the same count again.
	MarkNotificationRead(ctx context.Context, adminID, id string) (int, error)
}
