package chat

import (
	"time"

	"github.com/callbridgehq/callbridge/internal/graph"
)

// Message is the local shape of one chat message, converted from the
// messaging API's wire form.
type Message struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name"`
	Mine        bool         `json:"mine"`
	Content     string       `json:"content"`
	ContentType string       `json:"content_type"`
	CreatedOn   time.Time    `json:"created_on"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Deleted     bool         `json:"deleted,omitempty"`
}

// Attachment is a file or card attached to a message.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// fromGraph converts an API message. Mine is decided by comparing the
// sender's user id against the session's own.
func fromGraph(g graph.Message, selfUserID string) *Message {
	m := &Message{
		ID:          g.ID,
		Content:     g.Body.Content,
		ContentType: g.Body.ContentType,
		CreatedOn:   g.CreatedDateTime,
		Deleted:     g.DeletedDateTime != nil,
	}
	if g.From != nil && g.From.User != nil {
		m.SenderID = g.From.User.ID
		m.SenderName = g.From.User.DisplayName
		m.Mine = g.From.User.ID == selfUserID
	}
	for _, a := range g.Attachments {
		m.Attachments = append(m.Attachments, Attachment{
			ID:          a.ID,
			Name:        a.Name,
			ContentType: a.ContentType,
			URL:         a.ContentURL,
		})
	}
	return m
}
