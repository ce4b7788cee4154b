package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"
)

type Authenticator interface {
	Register(ctx context.Context, req *models.RegisterRequest) (*models.LoginResponse, error)
	Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error)
	GetUserFromToken(ctx context.Context, token string) (*models.User, error)
}

type AuthHandlers struct {
	authService Authenticator
}

func NewAuthHandlers(authService Authenticator) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	response, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		logger.Warn("Registration failed", "email", req.Email, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, response)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	response, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		logger.Warn("Login failed", "email", req.Email, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// UserHandlerFunc is an http handler that runs after authentication.
type UserHandlerFunc func(w http.ResponseWriter, r *http.Request, user *models.User)

// RequireUser resolves the caller from a Bearer header or a token query
// parameter and rejects the request when neither is valid.
func (h *AuthHandlers) RequireUser(next UserHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing token"})
			return
		}

		user, err := h.authService.GetUserFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		next(w, r, user)
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
