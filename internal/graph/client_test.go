package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-123"}))
}

func TestListMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/chats/19:abc/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("$top"); got != "40" {
			t.Errorf("$top = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"id": "2", "messageType": "message", "body": map[string]string{"content": "hi"}},
				{"id": "1", "messageType": "systemEventMessage", "body": map[string]string{"content": ""}},
			},
		})
	})

	msgs, err := c.ListMessages(context.Background(), "19:abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "2" || msgs[0].Body.Content != "hi" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSendMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chats/19:abc/messages" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Body struct {
				Content string `json:"content"`
			} `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body.Content != "hello" {
			t.Errorf("body = %+v err = %v", body, err)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "msg-9"})
	})

	id, err := c.SendMessage(context.Background(), "19:abc", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "msg-9" {
		t.Fatalf("id = %q", id)
	}
}

func TestSoftDeletePath(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.SoftDeleteMessage(context.Background(), "u1", "19:abc", "m1"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/users/u1/chats/19:abc/messages/m1/softDelete" {
		t.Fatalf("path = %s", gotPath)
	}
}

func TestUpdateMessageErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	if err := c.UpdateMessage(context.Background(), "19:abc", "m1", "edited"); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestMemberLookup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/19:abc/members" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]string{
				{"userId": "u1", "displayName": "Ada"},
				{"userId": "u2", "displayName": "Grace"},
			},
		})
	})

	lookup := c.MemberLookup("19:abc")
	name, err := lookup(context.Background(), "u2")
	if err != nil || name != "Grace" {
		t.Fatalf("name = %q err = %v", name, err)
	}
	if _, err := lookup(context.Background(), "u3"); err == nil {
		t.Fatal("expected miss for unknown member")
	}
}
