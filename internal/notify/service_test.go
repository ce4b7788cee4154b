package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/models"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupRepository(t *testing.T) *TokenRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := NewTokenRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

type fakeTransport struct {
	mu         sync.Mutex
	published  []PushRequest
	fail       error
	handlers   map[string]nats.MsgHandler
	subscribed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string]nats.MsgHandler{}, subscribed: make(chan struct{}, 1)}
}

func (f *fakeTransport) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	var req PushRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	f.published = append(f.published, req)
	return nil
}

func (f *fakeTransport) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	f.handlers[subj] = cb
	f.mu.Unlock()
	f.subscribed <- struct{}{}
	return nil, nil
}

func (f *fakeTransport) deliver(subj string, data []byte) {
	f.mu.Lock()
	cb := f.handlers[subj]
	f.mu.Unlock()
	cb(&nats.Msg{Subject: subj, Data: data})
}

func (f *fakeTransport) sent() []PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PushRequest(nil), f.published...)
}

func TestTokenRepositorySaveReassigns(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &DeviceToken{Token: "tok-1", UserID: "alice", Platform: "ios"}))
	require.NoError(t, repo.Save(ctx, &DeviceToken{Token: "tok-2", UserID: "alice", Platform: "android"}))
	require.NoError(t, repo.Save(ctx, &DeviceToken{Token: "tok-1", UserID: "bob", Platform: "ios"}))

	alice, err := repo.FindByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "tok-2", alice[0].Token)

	owner, err := repo.Owner(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	userID, err := repo.DeleteToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", userID)

	userID, err = repo.DeleteToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Empty(t, userID)
}

func TestNotifyPublishesOnePerToken(t *testing.T) {
	repo := setupRepository(t)
	transport := newFakeTransport()
	svc := NewService(repo, nil, transport, Options{})
	ctx := context.Background()

	require.NoError(t, svc.RegisterDevice(ctx, "bob", "tok-1", "ios"))
	require.NoError(t, svc.RegisterDevice(ctx, "bob", "tok-2", "android"))

	require.NoError(t, svc.Notify(ctx, "alice", "bob", "hello"))

	sent := transport.sent()
	require.Len(t, sent, 2)
	tokens := []string{sent[0].Token, sent[1].Token}
	assert.ElementsMatch(t, []string{"tok-1", "tok-2"}, tokens)
	assert.Equal(t, "alice", sent[0].SenderID)
	assert.Equal(t, "bob", sent[0].ReceiverID)
	assert.Equal(t, "hello", sent[0].Body)
}

func TestNotifyWithoutDeviceIsSilent(t *testing.T) {
	transport := newFakeTransport()
	svc := NewService(setupRepository(t), nil, transport, Options{})

	assert.NoError(t, svc.Notify(context.Background(), "alice", "bob", "hello"))
	assert.NoError(t, svc.Notify(context.Background(), "alice", "alice", "hello"))
	assert.Empty(t, transport.sent())
}

func TestNotifyReportsPublishFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.fail = errors.New("nats: connection closed")
	svc := NewService(setupRepository(t), nil, transport, Options{})
	ctx := context.Background()
	require.NoError(t, svc.RegisterDevice(ctx, "bob", "tok-1", "ios"))

	err := svc.Notify(ctx, "alice", "bob", "hello")
	assert.True(t, errors.Is(err, models.ErrNotification))
}

func TestRegisterDeviceValidates(t *testing.T) {
	svc := NewService(setupRepository(t), nil, newFakeTransport(), Options{})

	err := svc.RegisterDevice(context.Background(), "bob", "  ", "ios")
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	err = svc.RegisterDevice(context.Background(), "", "tok", "ios")
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestListenRemovesInvalidTokens(t *testing.T) {
	repo := setupRepository(t)
	transport := newFakeTransport()
	svc := NewService(repo, nil, transport, Options{InvalidSubject: "push.invalid"})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, svc.RegisterDevice(ctx, "bob", "tok-1", "ios"))

	done := make(chan error, 1)
	go func() { done <- svc.Listen(ctx) }()

	select {
	case <-transport.subscribed:
	case <-time.After(time.Second):
		t.Fatal("Listen did not subscribe")
	}

	transport.deliver("push.invalid", []byte(`{"token":"tok-1","reason":"unregistered"}`))
	transport.deliver("push.invalid", []byte(`not json`))

	tokens, err := repo.FindByUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestLookupIsCachedUntilInvalidated(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	repo := setupRepository(t)
	transport := newFakeTransport()
	svc := NewService(repo, client, transport, Options{CacheTTL: time.Minute})
	user := "user-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, cacheKeyPrefix+user) })

	require.NoError(t, svc.RegisterDevice(ctx, user, "tok-1", "ios"))
	require.NoError(t, svc.Notify(ctx, "alice", user, "one"))

	// Bypass the service so only the cache still knows the token.
	_, err := repo.DeleteToken(ctx, "tok-1")
	require.NoError(t, err)
	require.NoError(t, svc.Notify(ctx, "alice", user, "two"))
	assert.Len(t, transport.sent(), 2)

	require.NoError(t, svc.RegisterDevice(ctx, user, "tok-2", "ios"))
	require.NoError(t, svc.Notify(ctx, "alice", user, "three"))
	sent := transport.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "tok-2", sent[2].Token)
}
