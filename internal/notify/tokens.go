package notify

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DeviceToken is a push target registered by a client device. A token belongs
// to exactly one user; registering it again moves it to the new owner.
type DeviceToken struct {
	Token     string    `gorm:"primaryKey;size:512" json:"token"`
	UserID    string    `gorm:"index;not null" json:"user_id"`
	Platform  string    `gorm:"size:32" json:"platform"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenPostgres opens the gorm connection used for device tokens.
func OpenPostgres(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to token database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping token database: %w", err)
	}
	return db, nil
}

type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func (r *TokenRepository) AutoMigrate() error {
	if err := r.db.AutoMigrate(&DeviceToken{}); err != nil {
		return fmt.Errorf("failed to migrate device tokens: %w", err)
	}
	return nil
}

// Save inserts token or reassigns an existing one.
func (r *TokenRepository) Save(ctx context.Context, token *DeviceToken) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "updated_at"}),
	}).Create(token).Error
	if err != nil {
		return fmt.Errorf("failed to save device token: %w", err)
	}
	return nil
}

// FindByUser returns the user's tokens, most recently registered first.
func (r *TokenRepository) FindByUser(ctx context.Context, userID string) ([]DeviceToken, error) {
	var tokens []DeviceToken
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find device tokens for %s: %w", userID, err)
	}
	return tokens, nil
}

// Owner returns the user token is registered to, or "" if it is unknown.
func (r *TokenRepository) Owner(ctx context.Context, token string) (string, error) {
	var existing DeviceToken
	res := r.db.WithContext(ctx).Where("token = ?", token).Limit(1).Find(&existing)
	if res.Error != nil {
		return "", fmt.Errorf("failed to look up device token: %w", res.Error)
	}
	return existing.UserID, nil
}

// DeleteToken removes token and reports the user it belonged to, or "" if it
// was not registered.
func (r *TokenRepository) DeleteToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing DeviceToken
		res := tx.Where("token = ?", token).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Delete(&DeviceToken{}, "token = ?", token).Error; err != nil {
			return err
		}
		userID = existing.UserID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to delete device token: %w", err)
	}
	return userID, nil
}
