// Package reconcile merges an authoritative snapshot with a live event
// stream into a single ordered, deduplicated view. It is pure receiver
// logic, shared by the chat and notification sides of the client, and it
// never touches a transport.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/arenadesk/relay/pkg/protocol"
)

// ErrStaleSnapshot marks a snapshot that resolved after its room was
// abandoned or superseded by a newer fetch. Callers discard it silently.
var ErrStaleSnapshot = errors.New("stale snapshot")

type State int

const (
	StateEmpty State = iota
	StateLoading
	StateSynced
	StateDiverged
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateDiverged:
		return "diverged"
	case StateResyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RoomView is the client-local reconciled view of one room.
//
// Invariant: no two entries ever share a message id. The id is the sole
// dedup key — the transport may duplicate delivery, and a live event can
// race the snapshot fetch that already contains it.
//
// Not safe for concurrent use; the owning client serializes access.
type RoomView struct {
	state  State
	gen    int
	order  []string
	byID   map[string]protocol.Message
	buffer []protocol.MessageEvent
}

func NewRoomView() *RoomView {
	return &RoomView{byID: make(map[string]protocol.Message)}
}

func (v *RoomView) State() State { return v.state }

// BeginLoad enters Loading (or Resyncing, when recovering from a
// divergence) and returns a generation token. A snapshot applied with an
// older token is stale and rejected, which is how a fetch cancelled by a
// room switch gets discarded if its response arrives late anyway.
func (v *RoomView) BeginLoad() int {
	if v.state == StateDiverged {
		v.state = StateResyncing
	} else {
		v.state = StateLoading
	}
	v.gen++
	v.buffer = v.buffer[:0]
	return v.gen
}

// MarkDiverged records a transport failure. Live events are dropped until
// the next BeginLoad/ApplySnapshot cycle closes the gap; the snapshot
// re-fetch is the recovery mechanism, not per-event replay.
func (v *RoomView) MarkDiverged() {
	v.state = StateDiverged
	v.buffer = v.buffer[:0]
}

// ApplySnapshot installs the authoritative list, then replays events
// buffered while the fetch was in flight. The snapshot wins ties: a
// buffered create for an id already present is dropped, since the
// snapshot reflects a later or equal persisted state.
func (v *RoomView) ApplySnapshot(gen int, messages []protocol.Message) error {
	if gen != v.gen {
		return ErrStaleSnapshot
	}
	if v.state != StateLoading && v.state != StateResyncing {
		return fmt.Errorf("snapshot in state %s: %w", v.state, ErrStaleSnapshot)
	}

	v.order = v.order[:0]
	clear(v.byID)
	for _, m := range messages {
		if _, ok := v.byID[m.ID]; ok {
			continue
		}
		v.order = append(v.order, m.ID)
		v.byID[m.ID] = m
	}

	v.state = StateSynced
	for _, ev := range v.buffer {
		v.apply(ev)
	}
	v.buffer = v.buffer[:0]
	return nil
}

// Apply feeds one live event into the view. During a load it is buffered
// for the merge; in steady state it is applied idempotently. The return
// reports whether the view changed, so callers know when to re-render.
func (v *RoomView) Apply(ev protocol.MessageEvent) bool {
	switch v.state {
	case StateLoading, StateResyncing:
		v.buffer = append(v.buffer, ev)
		return false
	case StateSynced:
		return v.apply(ev)
	default:
		// Empty or Diverged: nothing to apply against; the next snapshot
		// will contain whatever this event carried.
		return false
	}
}

func (v *RoomView) apply(ev protocol.MessageEvent) bool {
	switch e := ev.(type) {
	case protocol.MessageCreated:
		if _, ok := v.byID[e.Message.ID]; ok {
			return false
		}
		v.order = append(v.order, e.Message.ID)
		v.byID[e.Message.ID] = e.Message
		return true

	case protocol.MessageUpdated:
		// Dropped when absent: the message may be outside the current
		// view window.
		if _, ok := v.byID[e.Message.ID]; !ok {
			return false
		}
		v.byID[e.Message.ID] = e.Message
		return true

	case protocol.MessageDeleted:
		if _, ok := v.byID[e.MessageID]; !ok {
			return false
		}
		delete(v.byID, e.MessageID)
		for i, id := range v.order {
			if id == e.MessageID {
				v.order = append(v.order[:i], v.order[i+1:]...)
				break
			}
		}
		return true
	}
	return false
}

// Messages returns the view in order.
func (v *RoomView) Messages() []protocol.Message {
	out := make([]protocol.Message, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.byID[id])
	}
	return out
}

func (v *RoomView) Len() int { return len(v.order) }
