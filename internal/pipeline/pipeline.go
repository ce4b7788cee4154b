// Package pipeline stores chat messages and fans them out to a room.
//
// The primary store is authoritative: a message is acknowledged as sent only
// after it has been written there. Mirroring to the legacy store and push
// notifications run afterwards as keyed background effects whose failures are
// logged and never reach the client.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"
)

type PrimaryStore interface {
	UpsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	UpdateMessage(ctx context.Context, docID string, patch models.MessagePatch) (*models.Message, error)
	DeleteMessages(ctx context.Context, roomID string) (int64, error)
	AddRoomParticipant(ctx context.Context, roomID, userID string) error
	RoomParticipants(ctx context.Context, roomID string) ([]string, error)
}

// Mirror is the best-effort legacy copy of the message store.
type Mirror interface {
	UpsertMessage(ctx context.Context, msg *models.Message) error
	UpdateMessage(ctx context.Context, roomID, docID string, patch models.MessagePatch) error
	DeleteMessages(ctx context.Context, roomID string) error
}

type Notifier interface {
	Notify(ctx context.Context, senderID, receiverID, text string) error
}

type Rooms interface {
	MembersOf(roomID string) []string
	RoomOf(connID string) string
	Broadcast(roomID string, event any, exclude string) int
	SendTo(connID string, event any) bool
}

type Users interface {
	UserOf(connID string) string
}

type Pipeline struct {
	store    PrimaryStore
	mirror   Mirror
	notifier Notifier
	rooms    Rooms
	users    Users
	effects  *Effects
	now      func() time.Time
}

// New builds a pipeline. mirror and notifier may be nil.
func New(store PrimaryStore, mirror Mirror, notifier Notifier, rooms Rooms, users Users, effects *Effects) *Pipeline {
	if effects == nil {
		effects = NewEffects(0)
	}
	return &Pipeline{
		store:    store,
		mirror:   mirror,
		notifier: notifier,
		rooms:    rooms,
		users:    users,
		effects:  effects,
		now:      time.Now,
	}
}

func (p *Pipeline) Effects() *Effects {
	return p.effects
}

// Submit validates and stores a message, broadcasts it to the room and acks
// the submitting connection. Invalid input is rejected before any write. A
// failed primary write is acked as failed and never broadcast. What goes out
// to the room and the mirror is the row the primary store kept, so a retried
// submit carries the status and edit state already recorded.
func (p *Pipeline) Submit(ctx context.Context, connID string, ev models.SendMessage) (models.MessageSent, error) {
	msg := ev.ToMessage()
	if msg.Timestamp == 0 {
		msg.Timestamp = p.now().UnixMilli()
	}
	if err := msg.Validate(); err != nil {
		return models.MessageSent{}, err
	}

	ack := models.MessageSent{
		Type:    models.MessageTypeMessageSent,
		DocID:   msg.DocID,
		LocalID: ev.LocalID,
	}

	stored, err := p.store.UpsertMessage(ctx, msg)
	if err != nil {
		ack.Status = models.AckFailed
		ack.Error = "message could not be stored"
		if errors.Is(err, models.ErrForbidden) {
			logger.Warn("Rejected message resubmission", "doc", msg.DocID, "sender", msg.SenderID, "room", msg.RoomID)
			ack.Error = "document id belongs to another message"
		} else {
			logger.Error("Error storing message", "doc", msg.DocID, "room", msg.RoomID, "error", err)
		}
		p.rooms.SendTo(connID, ack)
		return ack, storeErr(err)
	}
	msg = stored

	p.rooms.Broadcast(msg.RoomID, models.NewMessage{Type: models.MessageTypeNewMessage, Message: msg}, connID)
	ack.Status = string(models.StatusSent)
	p.rooms.SendTo(connID, ack)

	if p.mirror != nil {
		mirrored := *msg
		p.effects.Go("mirror:"+msg.DocID, func(ctx context.Context) error {
			return p.mirror.UpsertMessage(ctx, &mirrored)
		})
	}
	p.notifyParticipants(msg)

	return ack, nil
}

// RecordParticipant remembers that userID joined roomID, making the user a
// push recipient for the room once they go offline. The write is a
// background effect.
func (p *Pipeline) RecordParticipant(roomID, userID string) {
	if roomID == "" || userID == "" {
		return
	}
	p.effects.Go("participant:"+roomID+":"+userID, func(ctx context.Context) error {
		return p.store.AddRoomParticipant(ctx, roomID, userID)
	})
}

// UpdateStatus advances a message's delivery status. Regressions and repeats
// are rejected with ErrStatusRegression and leave no trace.
func (p *Pipeline) UpdateStatus(ctx context.Context, connID string, ev models.UpdateStatus) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	status := ev.Status
	patch := models.MessagePatch{Status: &status}
	msg, err := p.store.UpdateMessage(ctx, ev.DocID, patch)
	if err != nil {
		if errors.Is(err, models.ErrStatusRegression) {
			logger.Debug("Ignoring status regression", "doc", ev.DocID, "status", ev.Status, "conn", connID)
		}
		return storeErr(err)
	}

	p.rooms.Broadcast(msg.RoomID, models.StatusUpdated{
		Type:   models.MessageTypeStatusUpdated,
		DocID:  msg.DocID,
		RoomID: msg.RoomID,
		Status: msg.Status,
	}, "")
	p.mirrorPatch(msg.RoomID, msg.DocID, patch)
	return nil
}

// Edit replaces the text of a message written by the connection's user. The
// first edit keeps the original text.
func (p *Pipeline) Edit(ctx context.Context, connID string, ev models.EditMessage) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	userID := p.users.UserOf(connID)
	if userID == "" {
		return fmt.Errorf("%w: join before editing", models.ErrForbidden)
	}

	text := ev.Text
	editedAt := p.now().UnixMilli()
	patch := models.MessagePatch{Text: &text, EditedAt: &editedAt, SenderID: userID}
	msg, err := p.store.UpdateMessage(ctx, ev.DocID, patch)
	if err != nil {
		return storeErr(err)
	}

	p.rooms.Broadcast(msg.RoomID, models.MessageEdited{Type: models.MessageTypeMessageEdited, Message: msg}, "")
	p.mirrorPatch(msg.RoomID, msg.DocID, patch)
	return nil
}

// ClearRoom purges the room's history. An empty roomID means the
// connection's current room.
func (p *Pipeline) ClearRoom(ctx context.Context, connID, roomID string) (int64, error) {
	if roomID == "" && connID != "" {
		roomID = p.rooms.RoomOf(connID)
	}
	if roomID == "" {
		return 0, fmt.Errorf("%w: roomId is required", models.ErrInvalidInput)
	}

	deleted, err := p.store.DeleteMessages(ctx, roomID)
	if err != nil {
		return 0, storeErr(err)
	}
	logger.Info("Room cleared", "room", roomID, "deleted", deleted)

	p.rooms.Broadcast(roomID, models.RoomCleared{Type: models.MessageTypeRoomCleared, RoomID: roomID, Deleted: deleted}, "")
	if p.mirror != nil {
		p.effects.Go("mirror-room:"+roomID, func(ctx context.Context) error {
			return p.mirror.DeleteMessages(ctx, roomID)
		})
	}
	return deleted, nil
}

func (p *Pipeline) mirrorPatch(roomID, docID string, patch models.MessagePatch) {
	if p.mirror == nil {
		return
	}
	p.effects.Go("mirror:"+docID, func(ctx context.Context) error {
		return p.mirror.UpdateMessage(ctx, roomID, docID, patch)
	})
}

// notifyParticipants pushes to every user who has joined or written in the
// room but has no connection in it right now.
func (p *Pipeline) notifyParticipants(msg *models.Message) {
	if p.notifier == nil {
		return
	}

	present := make(map[string]bool)
	for _, connID := range p.rooms.MembersOf(msg.RoomID) {
		if userID := p.users.UserOf(connID); userID != "" {
			present[userID] = true
		}
	}
	senderID, roomID, text := msg.SenderID, msg.RoomID, preview(msg)

	p.effects.Go("notify:"+msg.DocID, func(ctx context.Context) error {
		participants, err := p.store.RoomParticipants(ctx, roomID)
		if err != nil {
			return fmt.Errorf("%w: resolving participants: %v", models.ErrNotification, err)
		}

		var errs []error
		for _, userID := range participants {
			if userID == senderID || present[userID] {
				continue
			}
			if err := p.notifier.Notify(ctx, senderID, userID, text); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: %v", models.ErrNotification, userID, err))
			}
		}
		return errors.Join(errs...)
	})
}

func preview(msg *models.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	if msg.MediaURL != "" {
		return "Sent an attachment"
	}
	return ""
}

func storeErr(err error) error {
	for _, known := range []error{models.ErrNotFound, models.ErrStatusRegression, models.ErrForbidden, models.ErrInvalidInput} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
}
