package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newNotifier runs a ws endpoint that hands each accepted connection to
// serve and counts connections, so reconnect behavior is observable.
func newNotifier(t *testing.T, serve func(n int, conn *websocket.Conn)) (url string, dials *int32) {
	t.Helper()
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serve(int(atomic.AddInt32(&count, 1)), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &count
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMessageEventDelivered(t *testing.T) {
	url, _ := newNotifier(t, func(_ int, conn *websocket.Conn) {
		conn.WriteJSON(Event{Type: TypeMessageEvent, ChatID: "chat-1"})
	})

	c := Connect(url, nil)
	defer c.Close()
	ch, cancel := c.Subscribe()
	defer cancel()

	ev := recvEvent(t, ch)
	if ev.ChatID != "chat-1" {
		t.Fatalf("chat id = %q", ev.ChatID)
	}
}

func TestNoiseFramesIgnored(t *testing.T) {
	url, _ := newNotifier(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		conn.WriteJSON(Event{Type: "TYPING_EVENT", ChatID: "chat-1"})
		conn.WriteJSON(Event{Type: TypeMessageEvent, ChatID: "chat-1"})
	})

	c := Connect(url, nil)
	defer c.Close()
	ch, cancel := c.Subscribe()
	defer cancel()

	ev := recvEvent(t, ch)
	if ev.Type != TypeMessageEvent {
		t.Fatalf("surfaced frame type %q", ev.Type)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	url, dials := newNotifier(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			// First connection dies immediately.
			conn.Close()
			return
		}
		conn.WriteJSON(Event{Type: TypeMessageEvent, ChatID: "after-reconnect"})
	})

	c := Connect(url, nil)
	defer c.Close()
	ch, cancel := c.Subscribe()
	defer cancel()

	ev := recvEvent(t, ch)
	if ev.ChatID != "after-reconnect" {
		t.Fatalf("chat id = %q", ev.ChatID)
	}
	if atomic.LoadInt32(dials) < 2 {
		t.Fatalf("expected a reconnect, saw %d dials", atomic.LoadInt32(dials))
	}
}

func TestCloseStopsRedial(t *testing.T) {
	url, dials := newNotifier(t, func(_ int, conn *websocket.Conn) {
		conn.Close()
	})

	c := Connect(url, nil)
	ch, cancel := c.Subscribe()
	defer cancel()

	c.Close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("event after close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	n := atomic.LoadInt32(dials)
	time.Sleep(1200 * time.Millisecond) // longer than the first backoff step
	if atomic.LoadInt32(dials) > n+1 {
		t.Fatal("channel kept dialing after Close")
	}
}
