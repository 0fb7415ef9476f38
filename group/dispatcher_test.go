package group

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
	fail   bool
	got    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan struct{}, 100)}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, v.(Message))
	c.got <- struct{}{}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

// waitFor blocks until the connection has received n messages.
func (c *fakeConn) waitFor(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.messages()))
		}
	}
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

func TestHub_BroadcastExcludesSender(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a, b, c := newFakeConn(), newFakeConn(), newFakeConn()
	hub.Register("batch", "g1", NewChannel("a", a, 8))
	hub.Register("batch", "g1", NewChannel("b", b, 8))
	hub.Register("batch", "g2", NewChannel("c", c, 8))

	hub.Broadcast("batch", "g1", Message{Action: ActionJoined, MemberID: "a"}, "a")

	msgs := b.waitFor(t, 1)
	if msgs[0].Action != ActionJoined || msgs[0].MemberID != "a" {
		t.Errorf("unexpected message %+v", msgs[0])
	}
	// Open is answered after the broadcast, so a and c have had their chance
	hub.Open("batch", "g1")
	if len(a.messages()) != 0 {
		t.Error("sender must not receive its own broadcast")
	}
	if len(c.messages()) != 0 {
		t.Error("other groups must not receive the broadcast")
	}
}

func TestHub_Relay(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a, b, c := newFakeConn(), newFakeConn(), newFakeConn()
	hub.Register("batch", "g1", NewChannel("a", a, 8))
	hub.Register("batch", "g1", NewChannel("b", b, 8))
	hub.Register("batch", "g1", NewChannel("c", c, 8))

	payload := json.RawMessage(`{"move":"e4"}`)
	delivered := hub.Relay("batch", "a", "", Message{GroupMsg: payload})
	if got := sorted(delivered); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("broadcast delivered to %v", got)
	}
	msg := b.waitFor(t, 1)[0]
	if msg.MemberID != "a" || msg.GroupResultID != "g1" || string(msg.GroupMsg) != `{"move":"e4"}` {
		t.Errorf("unexpected relayed message %+v", msg)
	}

	delivered = hub.Relay("batch", "a", "c", Message{GroupMsg: payload})
	if len(delivered) != 1 || delivered[0] != "c" {
		t.Errorf("direct message delivered to %v", delivered)
	}
	c.waitFor(t, 2)
	if len(b.messages()) != 1 {
		t.Error("direct message leaked to another member")
	}

	if delivered := hub.Relay("batch", "a", "nobody", Message{GroupMsg: payload}); len(delivered) != 0 {
		t.Errorf("unknown recipient should get nothing, got %v", delivered)
	}
	if delivered := hub.Relay("batch", "stranger", "", Message{GroupMsg: payload}); len(delivered) != 0 {
		t.Errorf("unregistered sender should reach nobody, got %v", delivered)
	}
}

// After a move, broadcasts reach the member only in its new group.
func TestHub_MoveIsAtomic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a, old, fresh := newFakeConn(), newFakeConn(), newFakeConn()
	hub.Register("batch", "g1", NewChannel("a", a, 16))
	hub.Register("batch", "g1", NewChannel("old", old, 16))
	hub.Register("batch", "g2", NewChannel("fresh", fresh, 16))

	hub.Move("batch", "a", "g1", "g2")
	hub.Broadcast("batch", "g1", Message{Action: ActionSession, GroupResultID: "g1"}, "")
	hub.Broadcast("batch", "g2", Message{Action: ActionSession, GroupResultID: "g2"}, "")

	a.waitFor(t, 1)
	hub.Open("batch", "g2")
	msgs := a.messages()
	if len(msgs) != 1 || msgs[0].GroupResultID != "g2" {
		t.Errorf("moved member got %+v", msgs)
	}

	if got := sorted(hub.Open("batch", "g2")); len(got) != 2 || got[0] != "a" || got[1] != "fresh" {
		t.Errorf("g2 channels: %v", got)
	}
	if got := hub.Open("batch", "g1"); len(got) != 1 || got[0] != "old" {
		t.Errorf("g1 channels: %v", got)
	}
}

func TestHub_Drop(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a, b := newFakeConn(), newFakeConn()
	chA := NewChannel("a", a, 8)
	hub.Register("batch", "g1", chA)
	hub.Register("batch", "g1", NewChannel("b", b, 8))

	hub.Drop("batch", "g1", "a")

	if msgs := a.waitFor(t, 1); msgs[0].Action != ActionClosed {
		t.Errorf("dropped member should get CLOSED, got %+v", msgs[0])
	}
	select {
	case <-chA.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dropped member's channel was not closed")
	}
	if msgs := b.waitFor(t, 1); msgs[0].Action != ActionLeft || msgs[0].MemberID != "a" {
		t.Errorf("remaining member should get LEFT, got %+v", msgs[0])
	}
	if got := hub.Open("batch", "g1"); len(got) != 1 {
		t.Errorf("expected one open channel, got %v", got)
	}
	if hub.Unregister("batch", chA) {
		t.Error("a dropped channel is no longer registered")
	}
}

func TestHub_SecondTabReplacesChannel(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	first, second := newFakeConn(), newFakeConn()
	ch1 := NewChannel("a", first, 8)
	ch2 := NewChannel("a", second, 8)
	hub.Register("batch", "g1", ch1)
	hub.Register("batch", "g1", ch2)

	select {
	case <-ch1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced channel was not closed")
	}

	// Unregistering the stale channel must not drop the new one
	if hub.Unregister("batch", ch1) {
		t.Error("stale channel should not be reported as registered")
	}
	if got := hub.Open("batch", "g1"); len(got) != 1 || got[0] != "a" {
		t.Errorf("expected the replacement to stay registered, got %v", got)
	}

	if !hub.Unregister("batch", ch2) {
		t.Error("current channel should be reported as registered")
	}
	if got := hub.Open("batch", "g1"); len(got) != 0 {
		t.Errorf("expected no channels, got %v", got)
	}
}

func TestChannel_FullQueueDisconnects(t *testing.T) {
	conn := newFakeConn()
	conn.mu.Lock() // stall the writer
	ch := NewChannel("slow", conn, 1)

	sent := 0
	for i := 0; i < 5; i++ {
		if ch.Send(Message{Action: ActionSession}) {
			sent++
		}
	}
	conn.mu.Unlock()

	if sent >= 5 {
		t.Error("a stalled channel must stop accepting messages")
	}
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled channel was not closed")
	}
	if ch.Send(Message{}) {
		t.Error("send on a closed channel must fail")
	}
}

func TestChannel_WriteErrorCloses(t *testing.T) {
	conn := newFakeConn()
	conn.fail = true
	ch := NewChannel("a", conn, 4)
	ch.Send(Message{Action: ActionOpened})

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel with a failing connection was not closed")
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("connection should be closed")
	}
}
