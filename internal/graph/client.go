// Package graph is the client for the messaging API that owns chat threads
// and their membership. All calls carry a bearer token from an oauth2 token
// source; the session layer treats every response as authoritative.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/oauth2"
)

var log = logging.Logger("graph")

// TopMessages is how many newest messages a thread refetch asks for.
const TopMessages = 40

// Message is the wire shape of one chat message. Only the fields the chat
// layer consumes are decoded.
type Message struct {
	ID              string       `json:"id"`
	MessageType     string       `json:"messageType"`
	CreatedDateTime time.Time    `json:"createdDateTime"`
	DeletedDateTime *time.Time   `json:"deletedDateTime,omitempty"`
	Body            Body         `json:"body"`
	From            *From        `json:"from,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

type Body struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type From struct {
	User *User `json:"user,omitempty"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type Attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl"`
	Name        string `json:"name"`
}

// Member is one conversation member from the membership listing.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	tokens  oauth2.TokenSource
}

func NewClient(baseURL string, tokens oauth2.TokenSource) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("token source: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListMessages fetches the newest messages of a chat thread, newest first,
// capped at TopMessages.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	var page struct {
		Value []Message `json:"value"`
	}
	path := fmt.Sprintf("/chats/%s/messages?$top=%d", url.PathEscape(chatID), TopMessages)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return page.Value, nil
}

// SendMessage posts a new message to the thread and returns its id.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (string, error) {
	body := map[string]any{"body": map[string]string{"content": content}}
	var out struct {
		ID string `json:"id"`
	}
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return out.ID, nil
}

// UpdateMessage replaces the body content of an existing message.
func (c *Client) UpdateMessage(ctx context.Context, chatID, messageID, content string) error {
	body := map[string]any{"body": map[string]string{"content": content}}
	path := "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// SoftDeleteMessage marks a message deleted for everyone. The API scopes
// the operation to the acting user.
func (c *Client) SoftDeleteMessage(ctx context.Context, userID, chatID, messageID string) error {
	path := "/users/" + url.PathEscape(userID) + "/chats/" + url.PathEscape(chatID) +
		"/messages/" + url.PathEscape(messageID) + "/softDelete"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	return nil
}

// ListMembers fetches the conversation membership of a chat thread.
func (c *Client) ListMembers(ctx context.Context, chatID string) ([]Member, error) {
	var page struct {
		Value []Member `json:"value"`
	}
	path := "/chats/" + url.PathEscape(chatID) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return page.Value, nil
}

// MemberLookup returns a display-name resolver over the thread membership,
// keyed by the member's user id. The roster treats a miss as non-fatal.
func (c *Client) MemberLookup(chatID string) func(ctx context.Context, userID string) (string, error) {
	return func(ctx context.Context, userID string) (string, error) {
		members, err := c.ListMembers(ctx, chatID)
		if err != nil {
			return "", err
		}
		for _, m := range members {
			if m.UserID == userID {
				return m.DisplayName, nil
			}
		}
		log.Debugf("user %s not in membership of %s", userID, chatID)
		return "", fmt.Errorf("member %s not found", userID)
	}
}
