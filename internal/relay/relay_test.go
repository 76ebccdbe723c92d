package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arenadesk/relay/pkg/protocol"
)

func newTestRelay(t *testing.T, authorize Authorizer) *Relay {
	t.Helper()
	r := New(context.Background(), authorize, zap.NewNop().Sugar())
	t.Cleanup(r.Close)
	return r
}

func newTestConn(role string, buffer int) *Conn {
	return NewConn(context.Background(), "p-"+role, role, buffer)
}

// helper: receive one event with a timeout so tests never hang
func recvEvent(t *testing.T, c *Conn, within time.Duration) protocol.Event {
	t.Helper()
	select {
	case ev := <-c.Outbox():
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return protocol.Event{} // unreachable
	}
}

func recvNoEvent(t *testing.T, c *Conn, within time.Duration) {
	t.Helper()
	select {
	case ev := <-c.Outbox():
		t.Fatalf("expected no event within %v, but got: %+v", within, ev)
	case <-time.After(within):
		// good: nothing delivered
	}
}

func msg(id, room, body string) protocol.Message {
	return protocol.Message{ID: id, RoomID: room, Body: body}
}

func decodeBody(t *testing.T, ev protocol.Event) string {
	t.Helper()
	var m protocol.Message
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	return m.Body
}

func TestRelay_PublishDeliversInOrder(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newTestConn("admin", 16)
	r.Register(c)

	if err := r.Subscribe(c, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, body := range []string{"a", "b", "c", "d"} {
		r.Publish(protocol.MessageCreated{Message: msg("m-"+body, "T-1", body)})
	}

	for _, want := range []string{"a", "b", "c", "d"} {
		ev := recvEvent(t, c, 200*time.Millisecond)
		if ev.Op != protocol.OpMessageCreate {
			t.Fatalf("want op %s, got %s", protocol.OpMessageCreate, ev.Op)
		}
		if got := decodeBody(t, ev); got != want {
			t.Fatalf("out of order: want body %q, got %q", want, got)
		}
	}
}

func TestRelay_SubscribeIsIdempotent(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newTestConn("admin", 16)
	r.Register(c)

	if err := r.Subscribe(c, "T-1"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := r.Subscribe(c, "T-1"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	r.Publish(protocol.MessageCreated{Message: msg("m1", "T-1", "once")})

	_ = recvEvent(t, c, 200*time.Millisecond)
	// A double membership would deliver the event twice.
	recvNoEvent(t, c, 100*time.Millisecond)
}

func TestRelay_NoReplayForLateSubscribers(t *testing.T) {
	r := newTestRelay(t, nil)
	early := newTestConn("admin", 16)
	r.Register(early)
	if err := r.Subscribe(early, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.Publish(protocol.MessageCreated{Message: msg("m1", "T-1", "history")})
	_ = recvEvent(t, early, 200*time.Millisecond)

	late := newTestConn("admin", 16)
	r.Register(late)
	if err := r.Subscribe(late, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	recvNoEvent(t, late, 100*time.Millisecond)
}

func TestRelay_UnsubscribeGap_NoLeakage(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newTestConn("admin", 16)
	keeper := newTestConn("admin", 16) // keeps the room alive across the gap
	r.Register(c)
	r.Register(keeper)
	if err := r.Subscribe(c, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe(keeper, "T-1"); err != nil {
		t.Fatalf("subscribe keeper: %v", err)
	}

	r.Unsubscribe(c, "T-1")
	r.Publish(protocol.MessageCreated{Message: msg("m1", "T-1", "in-the-gap")})
	_ = recvEvent(t, keeper, 200*time.Millisecond)
	recvNoEvent(t, c, 100*time.Millisecond)

	if err := r.Subscribe(c, "T-1"); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	r.Publish(protocol.MessageCreated{Message: msg("m2", "T-1", "after-the-gap")})
	ev := recvEvent(t, c, 200*time.Millisecond)
	if got := decodeBody(t, ev); got != "after-the-gap" {
		t.Fatalf("leaked event across the gap: got body %q", got)
	}
}

func TestRelay_RoomRemovedWithLastSubscriber(t *testing.T) {
	r := newTestRelay(t, nil)
	c1 := newTestConn("admin", 16)
	c2 := newTestConn("player", 16)
	r.Register(c1)
	r.Register(c2)
	if err := r.Subscribe(c1, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe(c2, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if v := r.Snapshot(); v.NumRooms != 1 {
		t.Fatalf("want 1 room, got %d", v.NumRooms)
	}

	r.Unsubscribe(c1, "T-1")
	if v := r.Snapshot(); v.NumRooms != 1 {
		t.Fatalf("room dropped while still subscribed; rooms=%d", v.NumRooms)
	}

	r.Unsubscribe(c2, "T-1")
	if v := r.Snapshot(); v.NumRooms != 0 {
		t.Fatalf("want room garbage-collected, got %d rooms", v.NumRooms)
	}
}

func TestRelay_DeregisterReleasesAllMemberships(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newTestConn("admin", 16)
	r.Register(c)
	for _, room := range []string{"T-1", "T-2", "T-3"} {
		if err := r.Subscribe(c, room); err != nil {
			t.Fatalf("subscribe %s: %v", room, err)
		}
	}

	r.Deregister(c)

	v := r.Snapshot()
	if v.NumConns != 0 || v.NumRooms != 0 {
		t.Fatalf("want empty registry after deregister, got %+v", v)
	}

	r.Publish(protocol.MessageCreated{Message: msg("m1", "T-1", "late")})
	recvNoEvent(t, c, 100*time.Millisecond)

	// Idempotent.
	r.Deregister(c)
}

func TestRelay_NotificationBroadcast_AdminsOnly(t *testing.T) {
	r := newTestRelay(t, nil)
	admin := newTestConn("admin", 16)
	other := newTestConn("player", 16)
	r.Register(admin)
	r.Register(other)
	// Room subscriptions are irrelevant to the notification channel.
	if err := r.Subscribe(other, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.BroadcastNotification(protocol.Notification{ID: "n1", Title: "payout flagged"})

	ev := recvEvent(t, admin, 200*time.Millisecond)
	if ev.Op != protocol.OpNotificationCreate {
		t.Fatalf("want %s, got %s", protocol.OpNotificationCreate, ev.Op)
	}
	recvNoEvent(t, other, 100*time.Millisecond)
}

func TestRelay_SubscriptionDenied(t *testing.T) {
	deny := func(_, role, _ string) bool { return role == "admin" }
	r := newTestRelay(t, deny)
	c := newTestConn("player", 16)
	r.Register(c)

	err := r.Subscribe(c, "T-1")
	if err == nil {
		t.Fatalf("expected subscription to be denied")
	}

	// Terminal for that call only: the connection stays usable.
	admin := newTestConn("admin", 16)
	r.Register(admin)
	if err := r.Subscribe(admin, "T-1"); err != nil {
		t.Fatalf("admin subscribe: %v", err)
	}
	r.BroadcastNotification(protocol.Notification{ID: "n1"})
	_ = recvEvent(t, admin, 200*time.Millisecond)
}

func TestRelay_SlowSubscriberDropped(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newTestConn("admin", 1) // tiny outbox, never drained
	r.Register(c)
	if err := r.Subscribe(c, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.Publish(protocol.MessageCreated{Message: msg("m1", "T-1", "fills the buffer")})
	r.Publish(protocol.MessageCreated{Message: msg("m2", "T-1", "overflows")})

	deadline := time.Now().Add(time.Second)
	for {
		if v := r.Snapshot(); v.NumConns == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slow subscriber was not dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-c.Done():
	default:
		t.Fatalf("dropped connection not closed")
	}
}

// Seq numbers must come off the outbox contiguous and increasing even
// with concurrent senders; a reordered stamp would look like lost events
// to the client and trigger a needless resync.
func TestConn_ConcurrentSendsKeepSeqContiguous(t *testing.T) {
	const senders, perSender = 8, 200
	c := newTestConn("admin", senders*perSender+1)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if !c.Send(protocol.Event{Op: protocol.OpHeartbeatAck}) {
					t.Error("send rejected with room to spare")
					return
				}
			}
		}()
	}
	wg.Wait()

	for want := int64(1); want <= senders*perSender; want++ {
		ev := <-c.Outbox()
		if ev.Seq != want {
			t.Fatalf("seq out of order: want %d, got %d", want, ev.Seq)
		}
	}
}

// A send rejected by a full outbox must not consume a sequence number;
// otherwise every slow-consumer drop would read as a gap on unrelated
// later events.
func TestConn_RejectedSendConsumesNoSeq(t *testing.T) {
	c := newTestConn("admin", 1)

	if !c.Send(protocol.Event{Op: protocol.OpHeartbeatAck}) {
		t.Fatalf("first send should fit")
	}
	if c.Send(protocol.Event{Op: protocol.OpHeartbeatAck}) {
		t.Fatalf("second send should overflow")
	}

	ev := <-c.Outbox()
	if ev.Seq != 1 {
		t.Fatalf("want seq 1, got %d", ev.Seq)
	}
	if !c.Send(protocol.Event{Op: protocol.OpHeartbeatAck}) {
		t.Fatalf("send after drain should fit")
	}
	if ev := <-c.Outbox(); ev.Seq != 2 {
		t.Fatalf("rejected send consumed a seq: want 2, got %d", ev.Seq)
	}
}

func TestRelay_CrossRoomIndependence(t *testing.T) {
	r := newTestRelay(t, nil)
	c1 := newTestConn("admin", 16)
	c2 := newTestConn("admin", 16)
	r.Register(c1)
	r.Register(c2)
	if err := r.Subscribe(c1, "T-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe(c2, "T-2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.Publish(protocol.MessageCreated{Message: msg("m1", "T-1", "one")})
	r.Publish(protocol.MessageCreated{Message: msg("m2", "T-2", "two")})

	if got := decodeBody(t, recvEvent(t, c1, 200*time.Millisecond)); got != "one" {
		t.Fatalf("room T-1 got %q", got)
	}
	if got := decodeBody(t, recvEvent(t, c2, 200*time.Millisecond)); got != "two" {
		t.Fatalf("room T-2 got %q", got)
	}
	recvNoEvent(t, c1, 50*time.Millisecond)
	recvNoEvent(t, c2, 50*time.Millisecond)
}
