// Package chat keeps a session's chat thread mirrored locally. The
// notification channel only says "something changed"; the manager refetches
// the newest messages from the messaging API and de-duplicates by message
// id, so redelivered or overlapping fetches never produce duplicates.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/callbridgehq/callbridge/internal/graph"
	"github.com/callbridgehq/callbridge/internal/realtime"
	"github.com/callbridgehq/callbridge/internal/storage"
	"github.com/callbridgehq/callbridge/internal/util"
)

var log = logging.Logger("chat")

// DefaultBufferSize is the number of messages kept in memory per thread.
const DefaultBufferSize = 100

// messageType values other than this one (system events, calls starting,
// membership changes) never surface in the conversation.
const typeMessage = "message"

// API is the slice of the messaging client the manager needs.
type API interface {
	ListMessages(ctx context.Context, chatID string) ([]graph.Message, error)
	SendMessage(ctx context.Context, chatID, content string) (string, error)
	UpdateMessage(ctx context.Context, chatID, messageID, content string) error
	SoftDeleteMessage(ctx context.Context, userID, chatID, messageID string) error
}

// Config wires a Manager to its thread.
type Config struct {
	API        API
	Store      *storage.Store // optional persistence
	ChatID     string
	SelfUserID string
	BufferSize int
}

// Manager mirrors one chat thread.
type Manager struct {
	api        API
	store      *storage.Store
	chatID     string
	selfUserID string

	mu       sync.RWMutex
	seen     map[string]*Message
	messages *util.RingBuffer[*Message]

	listenerMu sync.RWMutex
	listeners  []chan *Message

	closeOnce sync.Once
	done      chan struct{}
}

// New builds the manager and warms the buffer from the store when one is
// configured.
func New(cfg Config) *Manager {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	m := &Manager{
		api:        cfg.API,
		store:      cfg.Store,
		chatID:     cfg.ChatID,
		selfUserID: cfg.SelfUserID,
		seen:       make(map[string]*Message),
		messages:   util.NewRingBuffer[*Message](size),
		done:       make(chan struct{}),
	}

	if m.store != nil {
		rows, err := m.store.RecentMessages(m.chatID, size)
		if err != nil {
			log.Warnf("loading history for %s failed: %v", m.chatID, err)
		}
		for _, row := range rows {
			msg := &Message{
				ID:          row.MessageID,
				SenderID:    row.SenderKey,
				SenderName:  row.SenderName,
				Mine:        row.Mine,
				Content:     row.Content,
				ContentType: row.ContentType,
				CreatedOn:   row.CreatedOn,
			}
			m.seen[msg.ID] = msg
			m.messages.Push(msg)
		}
	}
	return m
}

// Watch consumes notification events until the subscription channel closes
// or the manager is closed. Events for other threads are ignored.
func (m *Manager) Watch(events <-chan realtime.Event) {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ChatID != "" && ev.ChatID != m.chatID {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := m.Refetch(ctx); err != nil {
				log.Warnf("refetch for %s failed: %v", m.chatID, err)
			}
			cancel()
		}
	}
}

// Refetch pulls the newest messages and merges anything unseen into the
// buffer. Known ids update in place so edits and deletions propagate.
func (m *Manager) Refetch(ctx context.Context) error {
	fetched, err := m.api.ListMessages(ctx, m.chatID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	// The API returns newest first; merge oldest first so the buffer
	// stays chronological.
	for i := len(fetched) - 1; i >= 0; i-- {
		g := fetched[i]
		if g.MessageType != typeMessage || g.Body.Content == "" {
			continue
		}
		m.merge(fromGraph(g, m.selfUserID))
	}
	return nil
}

func (m *Manager) merge(msg *Message) {
	m.mu.Lock()
	if have, ok := m.seen[msg.ID]; ok {
		changed := have.Content != msg.Content || have.Deleted != msg.Deleted
		have.Content = msg.Content
		have.ContentType = msg.ContentType
		have.Deleted = msg.Deleted
		m.mu.Unlock()
		if changed {
			m.persist(have)
			m.notify(have)
		}
		return
	}
	m.seen[msg.ID] = msg
	m.mu.Unlock()

	m.messages.Push(msg)
	m.persist(msg)
	m.notify(msg)
}

// Send posts a message and records it locally under the id the API
// assigned, so the next refetch recognizes it as already seen.
func (m *Manager) Send(ctx context.Context, content string) (*Message, error) {
	if content == "" {
		return nil, fmt.Errorf("chat: empty message")
	}
	id, err := m.api.SendMessage(ctx, m.chatID, content)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:          id,
		SenderID:    m.selfUserID,
		Mine:        true,
		Content:     content,
		ContentType: "text",
		CreatedOn:   time.Now().UTC(),
	}
	m.merge(msg)
	return msg, nil
}

// Update edits one of our own messages.
func (m *Manager) Update(ctx context.Context, messageID, content string) error {
	m.mu.RLock()
	msg, ok := m.seen[messageID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chat: unknown message %s", messageID)
	}
	if !msg.Mine {
		return fmt.Errorf("chat: message %s is not ours", messageID)
	}
	if err := m.api.UpdateMessage(ctx, m.chatID, messageID, content); err != nil {
		return err
	}
	m.mu.Lock()
	msg.Content = content
	m.mu.Unlock()
	m.persist(msg)
	m.notify(msg)
	return nil
}

// Delete soft-deletes one of our own messages.
func (m *Manager) Delete(ctx context.Context, messageID string) error {
	m.mu.RLock()
	msg, ok := m.seen[messageID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chat: unknown message %s", messageID)
	}
	if err := m.api.SoftDeleteMessage(ctx, m.selfUserID, m.chatID, messageID); err != nil {
		return err
	}
	m.mu.Lock()
	msg.Deleted = true
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.MarkDeleted(m.chatID, messageID); err != nil {
			log.Warnf("marking %s deleted failed: %v", messageID, err)
		}
	}
	m.notify(msg)
	return nil
}

// Messages returns the visible conversation, oldest first. Deleted
// messages are filtered out of the view but keep occupying their id.
func (m *Manager) Messages() []Message {
	all := m.messages.Snapshot()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Message, 0, len(all))
	for _, msg := range all {
		if msg.Deleted {
			continue
		}
		out = append(out, *msg)
	}
	return out
}

// Subscribe returns a channel that receives merged messages.
func (m *Manager) Subscribe() <-chan *Message {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	ch := make(chan *Message, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan *Message) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Purge drops the thread's local state and its persisted history. This
// runs when the call ends; the cache only needs to survive restarts while
// the call is still live.
func (m *Manager) Purge() {
	m.mu.Lock()
	m.seen = make(map[string]*Message)
	m.mu.Unlock()
	m.messages.Clear()

	if m.store != nil {
		if err := m.store.PurgeChat(m.chatID); err != nil {
			log.Warnf("purging history for %s failed: %v", m.chatID, err)
		}
	}
}

func (m *Manager) persist(msg *Message) {
	if m.store == nil {
		return
	}
	err := m.store.UpsertMessage(storage.StoredMessage{
		ChatID:      m.chatID,
		MessageID:   msg.ID,
		SenderKey:   msg.SenderID,
		SenderName:  msg.SenderName,
		Mine:        msg.Mine,
		Content:     msg.Content,
		ContentType: msg.ContentType,
		CreatedOn:   msg.CreatedOn,
		Deleted:     msg.Deleted,
	})
	if err != nil {
		log.Warnf("persisting %s failed: %v", msg.ID, err)
	}
}

func (m *Manager) notify(msg *Message) {
	m.listenerMu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	m.listenerMu.RUnlock()
}

// Close shuts the manager down.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.listenerMu.Lock()
		for _, listener := range m.listeners {
			close(listener)
		}
		m.listeners = nil
		m.listenerMu.Unlock()
		m.messages.Clear()
	})
	return nil
}
