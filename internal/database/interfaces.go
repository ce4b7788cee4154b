package database

import (
	"context"

	"chat-relay/internal/models"
)

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type MessageRepository interface {
	UpsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	FindMessages(ctx context.Context, roomID string, before int64, limit int) ([]*models.Message, error)
	UpdateMessage(ctx context.Context, docID string, patch models.MessagePatch) (*models.Message, error)
	DeleteMessages(ctx context.Context, roomID string) (int64, error)
	AddRoomParticipant(ctx context.Context, roomID, userID string) error
	RoomParticipants(ctx context.Context, roomID string) ([]string, error)
}

type PresenceRepository interface {
	UpsertUser(ctx context.Context, p models.UserPresence) error
	GetPresence(ctx context.Context, userID string) (*models.UserPresence, error)
}

type Database interface {
	UserRepository
	MessageRepository
	PresenceRepository
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
