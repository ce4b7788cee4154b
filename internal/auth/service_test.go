package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memUsers struct {
	mu      sync.Mutex
	byEmail map[string]*models.User
	nextID  int
}

func newMemUsers() *memUsers {
	return &memUsers{byEmail: map[string]*models.User{}}
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[email]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) CreateUser(_ context.Context, req *models.RegisterRequest) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[req.Email]; ok {
		return nil, fmt.Errorf("%w: email already registered", models.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	m.nextID++
	u := &models.User{ID: fmt.Sprintf("user-%d", m.nextID), Username: req.Username, Email: req.Email, PasswordHash: string(hash)}
	m.byEmail[req.Email] = u
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byEmail {
		if u.ID == id {
			cp := *u
			cp.PasswordHash = ""
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func newTestService() *Service {
	return NewService(newMemUsers(), config.JWTConfig{Secret: []byte("test-secret"), ExpiresIn: time.Hour})
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	registered, err := svc.Register(ctx, &models.RegisterRequest{Username: " alice ", Email: "alice@example.com", Password: "password123"})
	require.NoError(t, err)
	assert.NotEmpty(t, registered.Token)
	assert.Equal(t, "alice", registered.User.Username)
	assert.Empty(t, registered.User.PasswordHash)

	loggedIn, err := svc.Login(ctx, &models.LoginRequest{Email: "alice@example.com", Password: "password123"})
	require.NoError(t, err)
	assert.Empty(t, loggedIn.User.PasswordHash)

	user, err := svc.GetUserFromToken(ctx, loggedIn.Token)
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, user.ID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Register(ctx, &models.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "password123"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, &models.LoginRequest{Email: "alice@example.com", Password: "wrong-password"})
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	_, err = svc.Login(ctx, &models.LoginRequest{Email: "nobody@example.com", Password: "password123"})
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService()

	tests := []struct {
		name string
		req  models.RegisterRequest
	}{
		{"missing fields", models.RegisterRequest{Email: "a@example.com", Password: "password123"}},
		{"bad email", models.RegisterRequest{Username: "alice", Email: "not-an-email", Password: "password123"}},
		{"short password", models.RegisterRequest{Username: "alice", Email: "a@example.com", Password: "short"}},
		{"short username", models.RegisterRequest{Username: " al ", Email: "a@example.com", Password: "password123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := svc.Register(context.Background(), &req)
			assert.True(t, errors.Is(err, models.ErrInvalidInput), "got %v", err)
		})
	}
}

func TestValidateTokenRejectsForeignAndExpired(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	resp, err := svc.Register(ctx, &models.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "password123"})
	require.NoError(t, err)

	other := NewService(newMemUsers(), config.JWTConfig{Secret: []byte("other-secret"), ExpiresIn: time.Hour})
	_, err = other.ValidateToken(resp.Token)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(resp.Token)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": resp.User.ID})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = other.ValidateToken(unsigned)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}

func TestGetUserFromTokenRequiresKnownUser(t *testing.T) {
	svc := newTestService()
	token, err := svc.generateToken(&models.User{ID: "ghost", Username: "ghost"})
	require.NoError(t, err)

	_, err = svc.GetUserFromToken(context.Background(), token)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}
