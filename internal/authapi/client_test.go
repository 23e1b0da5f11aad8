package authapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateTokenBodyShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token/generateAcsToken" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			RepID struct {
				JSON string `json:"Json"`
			} `json:"RepId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		var inner struct {
			RepID string `json:"RepId"`
		}
		if err := json.Unmarshal([]byte(body.RepID.JSON), &inner); err != nil || inner.RepID != "rep-7" {
			t.Errorf("inner body = %q err = %v", body.RepID.JSON, err)
		}
		json.NewEncoder(w).Encode(Credentials{
			AccessToken:         "at",
			CallingToken:        "ct",
			CommunicationUserID: "8:acs:xyz",
			UserID:              "u-1",
		})
	}))
	defer srv.Close()

	creds, err := NewClient(srv.URL).GenerateToken(context.Background(), "rep-7")
	if err != nil {
		t.Fatal(err)
	}
	if creds.CallingToken != "ct" || creds.CommunicationUserID != "8:acs:xyz" {
		t.Fatalf("credentials = %+v", creds)
	}

	tok, err := creds.TokenSource().Token()
	if err != nil || tok.AccessToken != "at" {
		t.Fatalf("token source tok=%+v err=%v", tok, err)
	}
}

func TestGenerateTokenIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Credentials{AccessToken: "at"}) // no calling token
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).GenerateToken(context.Background(), "rep-7"); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
}

func TestCreateChatSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/subscription" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at" {
			t.Errorf("auth = %q", got)
		}
		var body struct {
			ChatID string `json:"chatId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChatID != "19:abc" {
			t.Errorf("body = %+v err = %v", body, err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).CreateChatSubscription(context.Background(), "at", "19:abc"); err != nil {
		t.Fatal(err)
	}
}

func TestCreateChatSubscriptionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).CreateChatSubscription(context.Background(), "bad", "19:abc"); err == nil {
		t.Fatal("expected error on 401")
	}
}
