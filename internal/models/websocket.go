package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type MessageType string

// Inbound event types.
const (
	MessageTypeJoin         MessageType = "join"
	MessageTypeSendMessage  MessageType = "send_message"
	MessageTypeUpdateStatus MessageType = "update_status"
	MessageTypeEditMessage  MessageType = "edit_message"
	MessageTypeTyping       MessageType = "typing"
	MessageTypeClearRoom    MessageType = "clear_room"
)

// Outbound event types.
const (
	MessageTypePresenceUpdate MessageType = "presence_update"
	MessageTypeNewMessage     MessageType = "new_message"
	MessageTypeMessageSent    MessageType = "message_sent"
	MessageTypeStatusUpdated  MessageType = "status_updated"
	MessageTypeMessageEdited  MessageType = "message_edited"
	MessageTypePartnerTyping  MessageType = "partner_typing"
	MessageTypeRoomCleared    MessageType = "room_cleared"
	MessageTypeError          MessageType = "error"
)

// Inbound is one decoded client event. Concrete types are the structs below.
type Inbound interface {
	Type() MessageType
	Validate() error
}

type Join struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	DocID            string `json:"docId"`
	Text             string `json:"text"`
	SenderID         string `json:"senderId"`
	RoomID           string `json:"roomId"`
	Timestamp        int64  `json:"timestamp"`
	MediaURL         string `json:"mediaUrl,omitempty"`
	MediaType        string `json:"mediaType,omitempty"`
	ReplyToID        string `json:"replyToId,omitempty"`
	ReplyToText      string `json:"replyToText,omitempty"`
	ReplyToSender    string `json:"replyToSender,omitempty"`
	ReplyToMediaURL  string `json:"replyToMediaUrl,omitempty"`
	ReplyToMediaType string `json:"replyToMediaType,omitempty"`
	LocalID          string `json:"localId,omitempty"`
}

type UpdateStatus struct {
	DocID  string        `json:"docId"`
	Status MessageStatus `json:"status"`
	RoomID string        `json:"roomId"`
}

type EditMessage struct {
	DocID  string `json:"docId"`
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

type Typing struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type ClearRoom struct {
	RoomID string `json:"roomId"`
}

func (Join) Type() MessageType         { return MessageTypeJoin }
func (SendMessage) Type() MessageType  { return MessageTypeSendMessage }
func (UpdateStatus) Type() MessageType { return MessageTypeUpdateStatus }
func (EditMessage) Type() MessageType  { return MessageTypeEditMessage }
func (Typing) Type() MessageType       { return MessageTypeTyping }
func (ClearRoom) Type() MessageType    { return MessageTypeClearRoom }

// Join may omit both fields: the user can come from the auth token and the
// room falls back to the default room.
func (Join) Validate() error { return nil }

func (e SendMessage) Validate() error {
	if strings.TrimSpace(e.DocID) == "" {
		return fmt.Errorf("%w: docId is required", ErrInvalidInput)
	}
	return nil
}

func (e UpdateStatus) Validate() error {
	if strings.TrimSpace(e.DocID) == "" {
		return fmt.Errorf("%w: docId is required", ErrInvalidInput)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, e.Status)
	}
	return nil
}

func (e EditMessage) Validate() error {
	if strings.TrimSpace(e.DocID) == "" {
		return fmt.Errorf("%w: docId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	return nil
}

func (Typing) Validate() error    { return nil }
func (ClearRoom) Validate() error { return nil }

// ToMessage builds the stored form of a send event with status sent.
func (e SendMessage) ToMessage() *Message {
	msg := &Message{
		DocID:     e.DocID,
		RoomID:    e.RoomID,
		SenderID:  e.SenderID,
		Text:      e.Text,
		Timestamp: e.Timestamp,
		Status:    StatusSent,
		MediaURL:  e.MediaURL,
		MediaType: e.MediaType,
	}
	if e.ReplyToID != "" {
		msg.ReplyTo = &ReplyRef{
			MessageID: e.ReplyToID,
			Text:      e.ReplyToText,
			SenderID:  e.ReplyToSender,
			MediaURL:  e.ReplyToMediaURL,
			MediaType: e.ReplyToMediaType,
		}
	}
	return msg
}

// DecodeInbound reads the "type" tag and decodes the rest of the frame into
// the matching event struct, validating it before returning.
func DecodeInbound(raw []byte) (Inbound, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrInvalidInput, err)
	}

	var (
		ev  Inbound
		err error
	)
	switch head.Type {
	case MessageTypeJoin:
		ev, err = decodeAs[Join](raw)
	case MessageTypeSendMessage:
		ev, err = decodeAs[SendMessage](raw)
	case MessageTypeUpdateStatus:
		ev, err = decodeAs[UpdateStatus](raw)
	case MessageTypeEditMessage:
		ev, err = decodeAs[EditMessage](raw)
	case MessageTypeTyping:
		ev, err = decodeAs[Typing](raw)
	case MessageTypeClearRoom:
		ev, err = decodeAs[ClearRoom](raw)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidInput)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidInput, head.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeAs[T Inbound](raw []byte) (Inbound, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return ev, nil
}

type PresenceUpdate struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"userId"`
	IsOnline bool        `json:"isOnline"`
	LastSeen int64       `json:"lastSeen,omitempty"`
}

type NewMessage struct {
	Type    MessageType `json:"type"`
	Message *Message    `json:"message"`
}

type MessageSent struct {
	Type    MessageType `json:"type"`
	DocID   string      `json:"docId"`
	LocalID string      `json:"localId,omitempty"`
	Status  string      `json:"status"`
	Error   string      `json:"error,omitempty"`
}

type StatusUpdated struct {
	Type   MessageType   `json:"type"`
	DocID  string        `json:"docId"`
	RoomID string        `json:"roomId"`
	Status MessageStatus `json:"status"`
}

type MessageEdited struct {
	Type    MessageType `json:"type"`
	Message *Message    `json:"message"`
}

type PartnerTyping struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"userId"`
	RoomID   string      `json:"roomId"`
	IsTyping bool        `json:"isTyping"`
}

type RoomCleared struct {
	Type    MessageType `json:"type"`
	RoomID  string      `json:"roomId"`
	Deleted int64       `json:"deleted"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Ref   MessageType `json:"ref,omitempty"`
	Error string      `json:"error"`
}

// AckFailed is the status carried by a message_sent ack whose primary write failed.
const AckFailed = "failed"
