// Package authapi exchanges a host-supplied representative id for the access
// and calling tokens a session needs, and registers the chat subscription
// that makes the notification channel emit events for the thread.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/oauth2"
)

var log = logging.Logger("authapi")

// Credentials is the outcome of a token exchange. AccessToken authenticates
// messaging and subscription calls; CallingToken authenticates the calling
// backend.
type Credentials struct {
	AccessToken         string `json:"accessToken"`
	CallingToken        string `json:"acsToken"`
	CommunicationUserID string `json:"communicationUserId"`
	UserID              string `json:"userId"`
}

// TokenSource adapts the credentials to an oauth2 token source for the
// messaging client. The auth API issues no refresh handle, so the token is
// static for the session's lifetime.
func (c Credentials) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken})
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GenerateToken exchanges the representative id for session credentials.
// The double-encoded body shape is what the endpoint expects; the inner
// JSON string is not a mistake.
func (c *Client) GenerateToken(ctx context.Context, repID string) (Credentials, error) {
	inner, err := json.Marshal(map[string]string{"RepId": repID})
	if err != nil {
		return Credentials{}, err
	}
	body, err := json.Marshal(map[string]any{
		"RepId": map[string]string{"Json": string(inner)},
	})
	if err != nil {
		return Credentials{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/token/generateAcsToken", bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token exchange: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return Credentials{}, fmt.Errorf("token exchange: status %s", resp.Status)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("token exchange: %w", err)
	}
	if creds.AccessToken == "" || creds.CallingToken == "" {
		return Credentials{}, fmt.Errorf("token exchange: incomplete credentials")
	}
	log.Debugf("token exchange for rep %s succeeded", repID)
	return creds, nil
}

// CreateChatSubscription registers the chat thread for notification
// delivery. Called once per session, after the token exchange.
func (c *Client) CreateChatSubscription(ctx context.Context, accessToken, chatID string) error {
	body, err := json.Marshal(map[string]string{"chatId": chatID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/chat/subscription", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("chat subscription: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("chat subscription: status %s", resp.Status)
	}
	return nil
}
