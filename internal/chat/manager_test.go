package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/callbridgehq/callbridge/internal/graph"
	"github.com/callbridgehq/callbridge/internal/realtime"
	"github.com/callbridgehq/callbridge/internal/storage"
)

type fakeAPI struct {
	mu       sync.Mutex
	messages []graph.Message
	nextID   int
	updated  map[string]string
	deleted  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updated: make(map[string]string)}
}

func (f *fakeAPI) ListMessages(context.Context, string) ([]graph.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Newest first, like the real endpoint.
	out := make([]graph.Message, len(f.messages))
	for i, m := range f.messages {
		out[len(f.messages)-1-i] = m
	}
	return out, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, _ string, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sent-%d", f.nextID)
	f.messages = append(f.messages, graph.Message{
		ID:          id,
		MessageType: "message",
		Body:        graph.Body{ContentType: "text", Content: content},
		From:        &graph.From{User: &graph.User{ID: "self"}},
	})
	return id, nil
}

func (f *fakeAPI) UpdateMessage(_ context.Context, _, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[messageID] = content
	return nil
}

func (f *fakeAPI) SoftDeleteMessage(_ context.Context, _, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAPI) add(id, msgType, content, senderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, graph.Message{
		ID:              id,
		MessageType:     msgType,
		CreatedDateTime: time.Date(2026, 3, 1, 10, 0, len(f.messages), 0, time.UTC),
		Body:            graph.Body{ContentType: "text", Content: content},
		From:            &graph.From{User: &graph.User{ID: senderID, DisplayName: senderID}},
	})
}

func newTestManager(t *testing.T, api *fakeAPI, store *storage.Store) *Manager {
	t.Helper()
	m := New(Config{API: api, Store: store, ChatID: "19:abc", SelfUserID: "self"})
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRefetchFiltersAndConverts(t *testing.T) {
	api := newFakeAPI()
	api.add("m1", "message", "hello", "other")
	api.add("m2", "systemEventMessage", "x joined", "system")
	api.add("m3", "message", "", "other") // empty body
	api.add("m4", "message", "mine", "self")

	m := newTestManager(t, api, nil)
	if err := m.Refetch(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := m.Messages()
	if len(got) != 2 {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].ID != "m1" || got[0].Mine {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].ID != "m4" || !got[1].Mine {
		t.Fatalf("second = %+v", got[1])
	}
}

func TestRefetchDedupsById(t *testing.T) {
	api := newFakeAPI()
	api.add("m1", "message", "hello", "other")

	m := newTestManager(t, api, nil)
	m.Refetch(context.Background())
	m.Refetch(context.Background())

	if got := m.Messages(); len(got) != 1 {
		t.Fatalf("duplicate after refetch: %+v", got)
	}
}

func TestRefetchPropagatesEdit(t *testing.T) {
	api := newFakeAPI()
	api.add("m1", "message", "first", "other")

	m := newTestManager(t, api, nil)
	m.Refetch(context.Background())

	api.mu.Lock()
	api.messages[0].Body.Content = "edited"
	api.mu.Unlock()
	m.Refetch(context.Background())

	got := m.Messages()
	if len(got) != 1 || got[0].Content != "edited" {
		t.Fatalf("messages = %+v", got)
	}
}

func TestSendRecordsLocally(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)

	msg, err := m.Send(context.Background(), "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Mine || msg.ID == "" {
		t.Fatalf("sent = %+v", msg)
	}

	// The next refetch sees the same id and must not duplicate it.
	m.Refetch(context.Background())
	if got := m.Messages(); len(got) != 1 {
		t.Fatalf("messages = %+v", got)
	}
}

func TestUpdateOnlyOwnMessages(t *testing.T) {
	api := newFakeAPI()
	api.add("m1", "message", "theirs", "other")
	m := newTestManager(t, api, nil)
	m.Refetch(context.Background())

	if err := m.Update(context.Background(), "m1", "hacked"); err == nil {
		t.Fatal("expected refusal to edit someone else's message")
	}

	sent, _ := m.Send(context.Background(), "mine")
	if err := m.Update(context.Background(), sent.ID, "mine v2"); err != nil {
		t.Fatal(err)
	}
	if api.updated[sent.ID] != "mine v2" {
		t.Fatalf("api updates = %+v", api.updated)
	}
}

func TestDeleteHidesMessage(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	sent, _ := m.Send(context.Background(), "oops")

	if err := m.Delete(context.Background(), sent.ID); err != nil {
		t.Fatal(err)
	}
	if got := m.Messages(); len(got) != 0 {
		t.Fatalf("deleted message visible: %+v", got)
	}
	if len(api.deleted) != 1 || api.deleted[0] != sent.ID {
		t.Fatalf("api deletes = %v", api.deleted)
	}
}

func TestWatchTriggersRefetch(t *testing.T) {
	api := newFakeAPI()
	api.add("m1", "message", "hello", "other")
	m := newTestManager(t, api, nil)

	events := make(chan realtime.Event, 1)
	go m.Watch(events)
	events <- realtime.Event{Type: realtime.TypeMessageEvent, ChatID: "19:abc"}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.Messages()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("watch did not refetch")
}

func TestWatchIgnoresOtherThreads(t *testing.T) {
	api := newFakeAPI()
	api.add("m1", "message", "hello", "other")
	m := newTestManager(t, api, nil)

	events := make(chan realtime.Event, 1)
	go m.Watch(events)
	events <- realtime.Event{Type: realtime.TypeMessageEvent, ChatID: "19:someone-else"}

	time.Sleep(50 * time.Millisecond)
	if got := m.Messages(); len(got) != 0 {
		t.Fatalf("refetched for foreign thread: %+v", got)
	}
}

func TestStoreWarmupAndPersistence(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	api := newFakeAPI()
	api.add("m1", "message", "hello", "other")
	m := newTestManager(t, api, store)
	m.Refetch(context.Background())
	m.Close()

	// A fresh manager over the same store starts with the history loaded.
	m2 := New(Config{API: newFakeAPI(), Store: store, ChatID: "19:abc", SelfUserID: "self"})
	defer m2.Close()
	got := m2.Messages()
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("warmed messages = %+v", got)
	}
}

func TestPurgeDropsViewAndHistory(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	api := newFakeAPI()
	api.add("m1", "message", "hello", "other")
	m := newTestManager(t, api, store)
	m.Refetch(context.Background())

	m.Purge()
	if got := m.Messages(); len(got) != 0 {
		t.Fatalf("messages survived purge: %+v", got)
	}

	// A fresh manager over the same store must start empty.
	m2 := New(Config{API: newFakeAPI(), Store: store, ChatID: "19:abc", SelfUserID: "self"})
	defer m2.Close()
	if got := m2.Messages(); len(got) != 0 {
		t.Fatalf("history survived purge: %+v", got)
	}
}
