// Package notify turns chat activity into push requests for a device gateway.
// Tokens live in the relational store with a Redis read cache in front; push
// requests and dead-token reports travel over NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "push:tokens:"

// Transport is the subset of *nats.Conn the service needs.
type Transport interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// PushRequest is published once per device token.
type PushRequest struct {
	Token      string `json:"token"`
	Platform   string `json:"platform"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// InvalidToken is what the gateway reports when a token is permanently dead.
type InvalidToken struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

type Options struct {
	PushSubject    string
	InvalidSubject string
	CacheTTL       time.Duration
}

type Service struct {
	tokens    *TokenRepository
	cache     *redis.Client
	transport Transport
	opts      Options
	loads     singleflight.Group
}

// NewService builds the service. cache may be nil, in which case every lookup
// goes to the repository.
func NewService(tokens *TokenRepository, cache *redis.Client, transport Transport, opts Options) *Service {
	if opts.PushSubject == "" {
		opts.PushSubject = "push.notify"
	}
	if opts.InvalidSubject == "" {
		opts.InvalidSubject = "push.invalid"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &Service{tokens: tokens, cache: cache, transport: transport, opts: opts}
}

// Notify asks the gateway to alert every device of receiverID. A receiver with
// no registered device is not an error.
func (s *Service) Notify(ctx context.Context, senderID, receiverID, text string) error {
	if receiverID == "" || receiverID == senderID {
		return nil
	}

	tokens, err := s.lookup(ctx, receiverID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNotification, err)
	}
	if len(tokens) == 0 {
		logger.Debug("No device registered, skipping push", "receiver_id", receiverID)
		return nil
	}

	var errs []error
	for _, t := range tokens {
		data, err := json.Marshal(PushRequest{
			Token:      t.Token,
			Platform:   t.Platform,
			SenderID:   senderID,
			ReceiverID: receiverID,
			Title:      senderID,
			Body:       text,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.transport.Publish(s.opts.PushSubject, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrNotification, errors.Join(errs...))
	}
	return nil
}

// lookup reads the receiver's tokens cache-aside. Concurrent misses for the
// same user share one repository query.
func (s *Service) lookup(ctx context.Context, userID string) ([]DeviceToken, error) {
	key := cacheKeyPrefix + userID

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var cached []DeviceToken
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		case !errors.Is(err, redis.Nil):
			logger.Warn("Token cache read failed", "user_id", userID, "error", err)
		}
	}

	val, err, _ := s.loads.Do(userID, func() (any, error) {
		return s.tokens.FindByUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	tokens := val.([]DeviceToken)

	if s.cache != nil {
		if data, err := json.Marshal(tokens); err == nil {
			if err := s.cache.Set(ctx, key, data, s.opts.CacheTTL).Err(); err != nil {
				logger.Warn("Token cache write failed", "user_id", userID, "error", err)
			}
		}
	}
	return tokens, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil || userID == "" {
		return
	}
	if err := s.cache.Del(ctx, cacheKeyPrefix+userID).Err(); err != nil {
		logger.Warn("Token cache invalidation failed", "user_id", userID, "error", err)
	}
}

// RegisterDevice records token for userID, taking it over from any previous
// owner.
func (s *Service) RegisterDevice(ctx context.Context, userID, token, platform string) error {
	token = strings.TrimSpace(token)
	if userID == "" || token == "" {
		return fmt.Errorf("%w: user and token are required", models.ErrInvalidInput)
	}

	previous, err := s.tokens.Owner(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
	}
	if err := s.tokens.Save(ctx, &DeviceToken{Token: token, UserID: userID, Platform: platform}); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreFailure, err)
	}

	s.invalidate(ctx, userID)
	if previous != userID {
		s.invalidate(ctx, previous)
	}
	logger.Info("Device registered", "user_id", userID, "platform", platform)
	return nil
}

// HandleInvalid processes one dead-token report from the gateway.
func (s *Service) HandleInvalid(ctx context.Context, data []byte) error {
	var report InvalidToken
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("%w: malformed invalid-token report: %v", models.ErrInvalidInput, err)
	}
	if report.Token == "" {
		return fmt.Errorf("%w: invalid-token report without token", models.ErrInvalidInput)
	}

	userID, err := s.tokens.DeleteToken(ctx, report.Token)
	if err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	if userID != "" {
		logger.Info("Removed dead device token", "user_id", userID, "reason", report.Reason)
	}
	return nil
}

// Listen consumes dead-token reports until ctx is cancelled.
func (s *Service) Listen(ctx context.Context) error {
	sub, err := s.transport.Subscribe(s.opts.InvalidSubject, func(msg *nats.Msg) {
		if err := s.HandleInvalid(ctx, msg.Data); err != nil {
			logger.Warn("Failed to handle invalid token report", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.opts.InvalidSubject, err)
	}
	logger.Info("Listening for invalid push tokens", "subject", s.opts.InvalidSubject)

	<-ctx.Done()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			logger.Warn("Failed to unsubscribe", "subject", s.opts.InvalidSubject, "error", err)
		}
	}
	return nil
}

// Connect dials the push gateway's NATS server.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("chat-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS", "url", url)
	return nc, nil
}
