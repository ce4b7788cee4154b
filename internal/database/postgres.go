package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// Migrate creates the tables the relay needs. It is safe to run on every start.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "user "+email)
	}
	return user, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, username, email, created_at`

	user := &models.User{PasswordHash: string(hash)}
	err = db.pool.QueryRow(ctx, query, uuid.NewString(), req.Username, req.Email, string(hash)).Scan(
		&user.ID, &user.Username, &user.Email, &user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: username or email already registered", models.ErrInvalidInput)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, username, email, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return user, nil
}

// Message Repository Implementation
const messageColumns = `doc_id, room_id, sender_id, text, ts, status, media_url, media_type,
	reply_to, edited, edited_at, original_text`

// statusRank mirrors models.MessageStatus.Rank in SQL.
const statusRank = `array_position(ARRAY['sent','delivered','seen'], %s)`

func rank(expr string) string {
	return fmt.Sprintf(statusRank, expr)
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var original *string
	err := row.Scan(
		&msg.DocID, &msg.RoomID, &msg.SenderID, &msg.Text, &msg.Timestamp, &msg.Status,
		&msg.MediaURL, &msg.MediaType, &msg.ReplyTo, &msg.Edited, &msg.EditedAt, &original,
	)
	if err != nil {
		return nil, err
	}
	if original != nil {
		msg.OriginalText = *original
	}
	return msg, nil
}

// UpsertMessage stores msg keyed by its document id and returns the stored
// row. A resubmission replaces the content but never moves the status
// backwards or drops edit metadata. Resubmitting another sender's document id,
// or moving it to another room, yields ErrForbidden.
func (db *PostgresDB) UpsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	status := msg.Status
	if status == "" {
		status = models.StatusSent
	}

	query := `
		INSERT INTO messages (doc_id, room_id, sender_id, text, ts, status, media_url, media_type, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (doc_id) DO UPDATE SET
			text       = EXCLUDED.text,
			ts         = EXCLUDED.ts,
			media_url  = EXCLUDED.media_url,
			media_type = EXCLUDED.media_type,
			reply_to   = EXCLUDED.reply_to,
			status     = CASE WHEN ` + rank("EXCLUDED.status") + ` > ` + rank("messages.status") + `
			                  THEN EXCLUDED.status ELSE messages.status END
		WHERE messages.sender_id = EXCLUDED.sender_id
		  AND messages.room_id = EXCLUDED.room_id
		RETURNING ` + messageColumns

	stored, err := scanMessage(db.pool.QueryRow(ctx, query,
		msg.DocID, msg.RoomID, msg.SenderID, msg.Text, msg.Timestamp, string(status),
		msg.MediaURL, msg.MediaType, msg.ReplyTo,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s belongs to another sender or room", models.ErrForbidden, msg.DocID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert message %s: %w", msg.DocID, err)
	}
	return stored, nil
}

// FindMessages returns up to limit messages of roomID older than before
// (0 means newest), oldest first.
func (db *PostgresDB) FindMessages(ctx context.Context, roomID string, before int64, limit int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE room_id = $1 AND ($2::bigint = 0 OR ts < $2::bigint)
		ORDER BY ts DESC
		LIMIT $3`

	rows, err := db.pool.Query(ctx, query, roomID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UpdateMessage applies patch and returns the updated row. A status that does
// not advance yields ErrStatusRegression; a SenderID that does not own the
// message yields ErrForbidden. The first text edit keeps the original text.
func (db *PostgresDB) UpdateMessage(ctx context.Context, docID string, patch models.MessagePatch) (*models.Message, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty update for %s", models.ErrInvalidInput, docID)
	}

	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}

	query := `
		UPDATE messages SET
			status        = COALESCE($2::text, status),
			original_text = CASE WHEN $3::text IS NOT NULL AND original_text IS NULL THEN text ELSE original_text END,
			text          = COALESCE($3::text, text),
			edited        = edited OR $3::text IS NOT NULL,
			edited_at     = COALESCE($4::bigint, edited_at)
		WHERE doc_id = $1
		  AND ($2::text IS NULL OR ` + rank("$2::text") + ` > ` + rank("status") + `)
		  AND ($5::text = '' OR sender_id = $5::text)
		RETURNING ` + messageColumns

	msg, err := scanMessage(db.pool.QueryRow(ctx, query, docID, status, patch.Text, patch.EditedAt, patch.SenderID))
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update message %s: %w", docID, err)
	}
	return nil, db.explainRejectedUpdate(ctx, docID, patch)
}

func (db *PostgresDB) explainRejectedUpdate(ctx context.Context, docID string, patch models.MessagePatch) error {
	var current models.MessageStatus
	var senderID string
	err := db.pool.QueryRow(ctx, `SELECT status, sender_id FROM messages WHERE doc_id = $1`, docID).Scan(&current, &senderID)
	if err != nil {
		return notFound(err, "message "+docID)
	}
	if patch.SenderID != "" && patch.SenderID != senderID {
		return fmt.Errorf("%w: message %s belongs to another sender", models.ErrForbidden, docID)
	}
	return fmt.Errorf("%w: %s is already %s", models.ErrStatusRegression, docID, current)
}

func (db *PostgresDB) DeleteMessages(ctx context.Context, roomID string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM messages WHERE room_id = $1`, roomID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear room %s: %w", roomID, err)
	}
	return tag.RowsAffected(), nil
}

// AddRoomParticipant records that userID joined roomID so the user stays a
// push recipient after going offline.
func (db *PostgresDB) AddRoomParticipant(ctx context.Context, roomID, userID string) error {
	query := `
		INSERT INTO room_participants (room_id, user_id, joined_at) VALUES ($1, $2, NOW())
		ON CONFLICT (room_id, user_id) DO NOTHING`

	if _, err := db.pool.Exec(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("failed to record %s in room %s: %w", userID, roomID, err)
	}
	return nil
}

// RoomParticipants lists everyone who has joined or written in roomID.
func (db *PostgresDB) RoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	query := `
		SELECT user_id FROM room_participants WHERE room_id = $1
		UNION
		SELECT sender_id FROM messages WHERE room_id = $1
		ORDER BY 1`

	rows, err := db.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Presence Repository Implementation
func (db *PostgresDB) UpsertUser(ctx context.Context, p models.UserPresence) error {
	query := `
		INSERT INTO presence (user_id, is_online, last_seen) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			is_online = EXCLUDED.is_online,
			last_seen = EXCLUDED.last_seen
		WHERE presence.last_seen <= EXCLUDED.last_seen`

	if _, err := db.pool.Exec(ctx, query, p.UserID, p.IsOnline, p.LastSeen); err != nil {
		return fmt.Errorf("failed to store presence for %s: %w", p.UserID, err)
	}
	return nil
}

func (db *PostgresDB) GetPresence(ctx context.Context, userID string) (*models.UserPresence, error) {
	p := &models.UserPresence{}
	err := db.pool.QueryRow(ctx, `SELECT user_id, is_online, last_seen FROM presence WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.IsOnline, &p.LastSeen)
	if err != nil {
		return nil, notFound(err, "presence "+userID)
	}
	return p, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return err
}
