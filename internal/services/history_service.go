package services

import (
	"context"
	"errors"
	"fmt"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"
)

const maxHistoryLimit = 200

type MessageFinder interface {
	FindMessages(ctx context.Context, roomID string, before int64, limit int) ([]*models.Message, error)
}

type RoomClearer interface {
	ClearRoom(ctx context.Context, connID, roomID string) (int64, error)
}

// HistoryService serves room history from the primary store, falling back to
// the legacy mirror when the primary is unreachable.
type HistoryService struct {
	primary      MessageFinder
	fallback     MessageFinder
	clearer      RoomClearer
	defaultLimit int
}

func NewHistoryService(primary, fallback MessageFinder, clearer RoomClearer, defaultLimit int) *HistoryService {
	if defaultLimit <= 0 || defaultLimit > maxHistoryLimit {
		defaultLimit = 50
	}
	return &HistoryService{
		primary:      primary,
		fallback:     fallback,
		clearer:      clearer,
		defaultLimit: defaultLimit,
	}
}

// ClampLimit maps a requested page size onto [1, maxHistoryLimit]; zero or
// negative means the default.
func (s *HistoryService) ClampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	return min(limit, maxHistoryLimit)
}

// GetHistory returns up to limit messages older than before (0 means the
// newest), oldest first.
func (s *HistoryService) GetHistory(ctx context.Context, roomID string, before int64, limit int) ([]*models.Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room is required", models.ErrInvalidInput)
	}
	if before < 0 {
		return nil, fmt.Errorf("%w: before must not be negative", models.ErrInvalidInput)
	}
	limit = s.ClampLimit(limit)

	msgs, err := s.primary.FindMessages(ctx, roomID, before, limit)
	if err == nil {
		return nonNil(msgs), nil
	}
	if s.fallback == nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
	}

	logger.Warn("Primary history unavailable, reading legacy mirror", "room", roomID, "error", err)
	msgs, fallbackErr := s.fallback.FindMessages(ctx, roomID, before, limit)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreFailure, errors.Join(err, fallbackErr))
	}
	return nonNil(msgs), nil
}

// ClearRoom deletes the room's history and tells its members.
func (s *HistoryService) ClearRoom(ctx context.Context, roomID string) (int64, error) {
	if roomID == "" {
		return 0, fmt.Errorf("%w: room is required", models.ErrInvalidInput)
	}
	return s.clearer.ClearRoom(ctx, "", roomID)
}

func nonNil(msgs []*models.Message) []*models.Message {
	if msgs == nil {
		return []*models.Message{}
	}
	return msgs
}
