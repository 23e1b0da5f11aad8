// Package realtime maintains the notification channel that tells a session
// when its chat thread changed. The channel is a long-lived websocket to the
// notification endpoint; only MESSAGE_EVENT frames are surfaced, everything
// else on the wire is ignored.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

// TypeMessageEvent marks frames announcing new activity on a chat thread.
const TypeMessageEvent = "MESSAGE_EVENT"

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Event is one notification frame. Frames carry more fields on the wire;
// only the ones consumers branch on are decoded.
type Event struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// Channel is a reconnecting subscription to the notification endpoint.
// Notifications are a trigger, not a source of truth: consumers refetch
// from the messaging API on every event, so dropped frames during a
// reconnect window cost latency, never correctness.
type Channel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Connect starts the channel. The connection is established in the
// background and re-established with backoff whenever it drops.
func Connect(url string, header http.Header) *Channel {
	c := &Channel{
		url:       url,
		header:    header,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		listeners: make(map[chan Event]struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

// Subscribe returns a channel receiving MESSAGE_EVENT notifications.
// Slow subscribers drop frames instead of blocking the read loop.
func (c *Channel) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 16)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears the channel down. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()

		c.listenerMu.Lock()
		for ch := range c.listeners {
			close(ch)
		}
		c.listeners = make(map[chan Event]struct{})
		c.listenerMu.Unlock()
	})
}

func (c *Channel) run() {
	backoff := reconnectMin
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(c.url, c.header)
		if err != nil {
			log.Warnf("dial %s failed: %v (retrying in %s)", c.url, err, backoff)
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		log.Debugf("notification channel connected to %s", c.url)
		backoff = reconnectMin
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
	}
}

// readLoop reads frames until the connection drops. Non-JSON and unknown
// frame types are dropped without touching any state.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("notification read ended: %v", err)
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warnf("dropping malformed notification frame: %v", err)
			continue
		}
		if ev.Type != TypeMessageEvent {
			log.Debugf("ignoring notification type %q", ev.Type)
			continue
		}
		c.fanOut(ev)
	}
}

func (c *Channel) fanOut(ev Event) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	c.listenerMu.RUnlock()
}
