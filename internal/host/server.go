// Package host is the websocket bridge the embedding page talks to. One
// connection carries one call: the page opens the socket, sends a single
// handshake frame naming the meeting link and representative id, then
// receives state snapshots and sends action frames until the call ends.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/callbridgehq/callbridge/internal/chat"
	"github.com/callbridgehq/callbridge/internal/identity"
	"github.com/callbridgehq/callbridge/internal/lobby"
	"github.com/callbridgehq/callbridge/internal/meeting"
	"github.com/callbridgehq/callbridge/internal/session"
)

var log = logging.Logger("host")

// TerminatedFrame is the text frame posted to the page exactly once when
// the call reaches Disconnected.
const TerminatedFrame = "CallIsTerminated"

const actionTimeout = 15 * time.Second

// handshake is the first frame a page sends. The link arrives
// percent-encoded, exactly as the page received it.
type handshake struct {
	Link  string `json:"link"`
	RepID string `json:"RepId"`
}

// action is any frame after the handshake.
type action struct {
	Action  string `json:"action"`
	Key     string `json:"key,omitempty"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// ProvisionRequest carries everything extracted from a valid handshake.
type ProvisionRequest struct {
	ConnID string
	Link   string // decoded
	ChatID string
	RepID  string

	// OnTerminated must be wired into the session so the bridge can post
	// TerminatedFrame.
	OnTerminated func()
}

// Provisioned is the live state backing one connection.
type Provisioned struct {
	Session *session.Session
	Chat    *chat.Manager // optional
}

// Provisioner assembles the session (token exchange, backend, chat) for a
// handshake. Wired up in the command main.
type Provisioner func(ctx context.Context, req ProvisionRequest) (Provisioned, error)

// Server upgrades page connections and runs the bridge protocol on them.
type Server struct {
	provision Provisioner
	upgrader  websocket.Upgrader
}

func NewServer(p Provisioner) *Server {
	return &Server{
		provision: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleWS is the handler for the page-facing websocket endpoint.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade failed: %v", err)
		return
	}
	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		server: s,
	}
	log.Debugf("page connected (%s)", c.id)
	c.run()
}

// conn is one page connection.
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu   sync.Mutex
	live *Provisioned

	termOnce sync.Once
	stopped  chan struct{}
}

func (c *conn) run() {
	c.stopped = make(chan struct{})
	defer c.teardown()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debugf("page %s read ended: %v", c.id, err)
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame routes one inbound frame. Malformed JSON is logged and
// dropped; the connection survives.
func (c *conn) handleFrame(data []byte) {
	c.mu.Lock()
	started := c.live != nil
	c.mu.Unlock()

	if !started {
		var hs handshake
		if err := json.Unmarshal(data, &hs); err != nil || hs.Link == "" || hs.RepID == "" {
			log.Warnf("page %s: dropping malformed handshake frame", c.id)
			return
		}
		c.handleHandshake(hs)
		return
	}

	var act action
	if err := json.Unmarshal(data, &act); err != nil {
		log.Warnf("page %s: dropping malformed action frame", c.id)
		return
	}
	if act.Action == "" {
		// A repeated handshake, or a frame we don't understand.
		log.Debugf("page %s: ignoring frame without action", c.id)
		return
	}
	c.handleAction(act)
}

func (c *conn) handleHandshake(hs handshake) {
	link, err := meeting.DecodeLink(hs.Link)
	if err != nil {
		log.Warnf("page %s: %v", c.id, err)
		c.writeError(err.Error())
		return
	}
	chatID, err := meeting.ExtractChatID(link)
	if err != nil {
		log.Warnf("page %s: %v", c.id, err)
		c.writeError(err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	prov, err := c.server.provision(ctx, ProvisionRequest{
		ConnID:       c.id,
		Link:         link,
		ChatID:       chatID,
		RepID:        hs.RepID,
		OnTerminated: c.sendTerminated,
	})
	if err != nil {
		log.Warnf("page %s: provisioning failed: %v", c.id, err)
		c.writeError("call setup failed")
		return
	}

	c.mu.Lock()
	c.live = &prov
	c.mu.Unlock()
	log.Infof("page %s joined chat %s", c.id, chatID)

	go c.pushSnapshots(prov.Session)
	if prov.Chat != nil {
		go c.pushChat(prov.Chat)
	}
}

func (c *conn) handleAction(act action) {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()
	sess := live.Session

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	var err error
	switch act.Action {
	case "admit":
		err = sess.Admit(ctx, identity.Key(act.Key))
	case "reject":
		err = sess.Reject(ctx, identity.Key(act.Key))
	case "togglePin":
		err = sess.TogglePin(identity.Key(act.Key))
	case "toggleSpotlight":
		err = sess.ToggleSpotlight(ctx, identity.Key(act.Key))
	case "toggleHand":
		err = sess.ToggleOwnHand(ctx)
	case "hangup":
		sess.Hangup()
	case "chatSend":
		if live.Chat != nil {
			_, err = live.Chat.Send(ctx, act.Content)
		}
	case "chatUpdate":
		if live.Chat != nil {
			err = live.Chat.Update(ctx, act.ID, act.Content)
		}
	case "chatDelete":
		if live.Chat != nil {
			err = live.Chat.Delete(ctx, act.ID)
		}
	default:
		log.Debugf("page %s: unknown action %q", c.id, act.Action)
		return
	}

	// Repeated admit/reject triggers while one is in flight null-op.
	if errors.Is(err, lobby.ErrAdmissionInFlight) {
		log.Debugf("page %s: %s ignored, admission in flight", c.id, act.Action)
		return
	}
	if err != nil {
		log.Warnf("page %s: %s failed: %v", c.id, act.Action, err)
		c.writeError(err.Error())
	}
}

// pushSnapshots sends a snapshot frame immediately and after every state
// change until the session subscription closes.
func (c *conn) pushSnapshots(sess *session.Session) {
	pulses, cancel := sess.Subscribe()
	defer cancel()

	c.writeSnapshot(sess)
	for {
		select {
		case <-c.stopped:
			return
		case _, ok := <-pulses:
			if !ok {
				return
			}
			c.writeSnapshot(sess)
		}
	}
}

func (c *conn) pushChat(m *chat.Manager) {
	msgs := m.Subscribe()
	defer m.Unsubscribe(msgs)

	c.writeChat(m)
	for {
		select {
		case <-c.stopped:
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			c.writeChat(m)
		}
	}
}

type snapshotFrame struct {
	Type string `json:"type"`
	session.Snapshot
}

func (c *conn) writeSnapshot(sess *session.Session) {
	c.writeJSON(snapshotFrame{Type: "snapshot", Snapshot: sess.Snapshot()})
}

func (c *conn) writeChat(m *chat.Manager) {
	c.writeJSON(map[string]any{"type": "chat", "messages": m.Messages()})
}

func (c *conn) writeError(msg string) {
	c.writeJSON(map[string]string{"type": "error", "message": msg})
}

func (c *conn) writeJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		log.Debugf("page %s write failed: %v", c.id, err)
	}
}

// sendTerminated posts the termination text frame. Guarded so redelivered
// disconnect signals cannot produce a second frame.
func (c *conn) sendTerminated() {
	c.termOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if err := c.ws.WriteMessage(websocket.TextMessage, []byte(TerminatedFrame)); err != nil {
			log.Debugf("page %s: termination frame not delivered: %v", c.id, err)
		}
		log.Infof("page %s: call terminated", c.id)
	})
}

// teardown ends the call when the page goes away.
func (c *conn) teardown() {
	close(c.stopped)

	c.mu.Lock()
	live := c.live
	c.live = nil
	c.mu.Unlock()

	if live != nil {
		live.Session.Hangup()
		if live.Chat != nil {
			live.Chat.Close()
		}
	}
	c.ws.Close()
	log.Debugf("page %s disconnected", c.id)
}
