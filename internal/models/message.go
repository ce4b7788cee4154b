package models

import (
	"fmt"
	"strings"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

// Rank orders statuses sent < delivered < seen. Unknown statuses rank 0.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return 0
	}
}

func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// ReplyRef echoes enough of the quoted message to render it without a lookup.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

type Message struct {
	DocID        string        `json:"docId"`
	RoomID       string        `json:"roomId"`
	SenderID     string        `json:"senderId"`
	Text         string        `json:"text"`
	Timestamp    int64         `json:"timestamp"`
	Status       MessageStatus `json:"status"`
	MediaURL     string        `json:"mediaUrl,omitempty"`
	MediaType    string        `json:"mediaType,omitempty"`
	ReplyTo      *ReplyRef     `json:"replyTo,omitempty"`
	Edited       bool          `json:"edited,omitempty"`
	EditedAt     int64         `json:"editedAt,omitempty"`
	OriginalText string        `json:"originalText,omitempty"`
}

// Validate checks the fields every stored message must carry.
func (m *Message) Validate() error {
	var missing []string
	if strings.TrimSpace(m.DocID) == "" {
		missing = append(missing, "docId")
	}
	if strings.TrimSpace(m.SenderID) == "" {
		missing = append(missing, "senderId")
	}
	if strings.TrimSpace(m.RoomID) == "" {
		missing = append(missing, "roomId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, m.Status)
	}
	return nil
}

// MessagePatch is a partial update. Nil fields are left untouched.
// A non-empty SenderID restricts the update to messages written by that sender.
type MessagePatch struct {
	Status   *MessageStatus
	Text     *string
	EditedAt *int64
	SenderID string
}

func (p MessagePatch) Empty() bool {
	return p.Status == nil && p.Text == nil && p.EditedAt == nil
}
