// Package legacy mirrors messages and presence into the Redis layout read by
// the older client: one hash per message, a per-room sorted set ordered by
// timestamp, and one hash per user.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"chat-relay/internal/models"

	"github.com/redis/go-redis/v9"
)

const deleteBatch = 100

type RedisMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "legacy:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) messageKey(roomID, docID string) string {
	return m.prefix + "room:" + roomID + ":msg:" + docID
}

func (m *RedisMirror) indexKey(roomID string) string {
	return m.prefix + "room:" + roomID + ":msgs"
}

func (m *RedisMirror) userKey(userID string) string {
	return m.prefix + "user:" + userID
}

func (m *RedisMirror) onlineKey() string {
	return m.prefix + "online"
}

func (m *RedisMirror) UpsertMessage(ctx context.Context, msg *models.Message) error {
	fields := map[string]any{
		"docId":     msg.DocID,
		"roomId":    msg.RoomID,
		"senderId":  msg.SenderID,
		"text":      msg.Text,
		"timestamp": msg.Timestamp,
		"status":    string(msg.Status),
		"mediaUrl":  msg.MediaURL,
		"mediaType": msg.MediaType,
		"edited":    msg.Edited,
		"editedAt":  msg.EditedAt,
	}
	if msg.ReplyTo != nil {
		data, err := json.Marshal(msg.ReplyTo)
		if err != nil {
			return fmt.Errorf("failed to encode reply reference: %w", err)
		}
		fields["replyTo"] = string(data)
	}
	if msg.OriginalText != "" {
		fields["originalText"] = msg.OriginalText
	}

	key := m.messageKey(msg.RoomID, msg.DocID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, m.indexKey(msg.RoomID), redis.Z{Score: float64(msg.Timestamp), Member: msg.DocID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror message %s: %w", msg.DocID, err)
	}
	return nil
}

// UpdateMessage writes only the fields present in patch. Messages the mirror
// never received are reported as not found rather than created half-empty.
func (m *RedisMirror) UpdateMessage(ctx context.Context, roomID, docID string, patch models.MessagePatch) error {
	key := m.messageKey(roomID, docID)

	exists, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read mirrored message %s: %w", docID, err)
	}
	if exists == 0 {
		return fmt.Errorf("mirrored message %s: %w", docID, models.ErrNotFound)
	}

	var previous string
	if patch.Text != nil {
		previous, err = m.client.HGet(ctx, key, "text").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read mirrored text %s: %w", docID, err)
		}
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if patch.Status != nil {
			pipe.HSet(ctx, key, "status", string(*patch.Status))
		}
		if patch.Text != nil {
			pipe.HSetNX(ctx, key, "originalText", previous)
			pipe.HSet(ctx, key, "text", *patch.Text, "edited", true)
		}
		if patch.EditedAt != nil {
			pipe.HSet(ctx, key, "editedAt", *patch.EditedAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update mirrored message %s: %w", docID, err)
	}
	return nil
}

func (m *RedisMirror) DeleteMessages(ctx context.Context, roomID string) error {
	index := m.indexKey(roomID)
	docIDs, err := m.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list mirrored messages for %s: %w", roomID, err)
	}

	for start := 0; start < len(docIDs); start += deleteBatch {
		end := min(start+deleteBatch, len(docIDs))
		keys := make([]string, 0, end-start)
		for _, docID := range docIDs[start:end] {
			keys = append(keys, m.messageKey(roomID, docID))
		}
		if err := m.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete mirrored messages for %s: %w", roomID, err)
		}
	}
	if err := m.client.Del(ctx, index).Err(); err != nil {
		return fmt.Errorf("failed to delete mirror index for %s: %w", roomID, err)
	}
	return nil
}

// FindMessages reads up to limit messages older than before (0 means newest),
// oldest first.
func (m *RedisMirror) FindMessages(ctx context.Context, roomID string, before int64, limit int) ([]*models.Message, error) {
	upper := "+inf"
	if before > 0 {
		upper = "(" + strconv.FormatInt(before, 10)
	}
	docIDs, err := m.client.ZRevRangeByScore(ctx, m.indexKey(roomID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mirror index for %s: %w", roomID, err)
	}

	pipe := m.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(docIDs))
	for i, docID := range docIDs {
		cmds[i] = pipe.HGetAll(ctx, m.messageKey(roomID, docID))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to read mirrored messages for %s: %w", roomID, err)
		}
	}

	messages := make([]*models.Message, 0, len(cmds))
	for i := len(cmds) - 1; i >= 0; i-- {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		messages = append(messages, decodeMessage(fields))
	}
	return messages, nil
}

func decodeMessage(fields map[string]string) *models.Message {
	msg := &models.Message{
		DocID:        fields["docId"],
		RoomID:       fields["roomId"],
		SenderID:     fields["senderId"],
		Text:         fields["text"],
		Status:       models.MessageStatus(fields["status"]),
		MediaURL:     fields["mediaUrl"],
		MediaType:    fields["mediaType"],
		OriginalText: fields["originalText"],
	}
	msg.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	msg.EditedAt, _ = strconv.ParseInt(fields["editedAt"], 10, 64)
	msg.Edited, _ = strconv.ParseBool(fields["edited"])
	if raw := fields["replyTo"]; raw != "" {
		var ref models.ReplyRef
		if json.Unmarshal([]byte(raw), &ref) == nil {
			msg.ReplyTo = &ref
		}
	}
	return msg
}

func (m *RedisMirror) UpsertUser(ctx context.Context, p models.UserPresence) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.userKey(p.UserID), "isOnline", p.IsOnline, "lastSeen", p.LastSeen.UnixMilli())
		if p.IsOnline {
			pipe.SAdd(ctx, m.onlineKey(), p.UserID)
		} else {
			pipe.SRem(ctx, m.onlineKey(), p.UserID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror presence for %s: %w", p.UserID, err)
	}
	return nil
}
