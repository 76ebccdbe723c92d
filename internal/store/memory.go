package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arenadesk/relay/pkg/protocol"
)

// Memory keeps everything in process. Used in tests and when no database
// DSN is configured.
type Memory struct {
	mu            sync.Mutex
	messages      map[string]protocol.Message    // id -> message
	roomOrder     map[string][]string            // roomID -> ids in creation order
	notifications []protocol.Notification        // creation order
	reads         map[string]map[string]struct{} // adminID -> read notification ids
}

func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[string]protocol.Message),
		roomOrder: make(map[string][]string),
		reads:     make(map[string]map[string]struct{}),
	}
}

func (s *Memory) RoomMessages(_ context.Context, roomID string) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.roomOrder[roomID]
	out := make([]protocol.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Memory) CreateMessage(_ context.Context, m protocol.Message) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	m.ID = uuid.NewString()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.messages[m.ID] = m
	s.roomOrder[m.RoomID] = append(s.roomOrder[m.RoomID], m.ID)
	return m, nil
}

func (s *Memory) UpdateMessage(_ context.Context, id, body string) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return protocol.Message{}, ErrNotFound
	}
	m.Body = body
	m.UpdatedAt = time.Now().UTC()
	s.messages[id] = m
	return m, nil
}

func (s *Memory) DeleteMessage(_ context.Context, id string) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return protocol.Message{}, ErrNotFound
	}
	delete(s.messages, id)
	ids := s.roomOrder[m.RoomID]
	for i, mid := range ids {
		if mid == id {
			s.roomOrder[m.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return m, nil
}

func (s *Memory) Notifications(_ context.Context, adminID string) ([]protocol.Notification, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	read := s.reads[adminID]
	out := make([]protocol.Notification, 0, len(s.notifications))
	unread := 0
	// Newest first.
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if _, ok := read[n.ID]; ok {
			n.Read = true
		} else {
			unread++
		}
		out = append(out, n)
	}
	return out, unread, nil
}

func (s *Memory) CreateNotification(_ context.Context, n protocol.Notification) (protocol.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n.ID = uuid.NewString()
	n.Read = false
	n.CreatedAt = time.Now().UTC()
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *Memory) MarkNotificationRead(_ context.Context, adminID, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, n := range s.notifications {
		if n.ID == id {
			found = true
			break
		}
	}
	if !found {
		return 0, ErrNotFound
	}

	if s.reads[adminID] == nil {
		s.reads[adminID] = make(map[string]struct{})
	}
	s.reads[adminID][id] = struct{}{}

	unread := 0
	for _, n := range s.notifications {
		if _, ok := s.reads[adminID][n.ID]; !ok {
			unread++
		}
	}
	return unread, nil
}
