package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/AashishAdhikari27/go-chat-app/internal/db"
	"github.com/AashishAdhikari27/go-chat-app/internal/middleware"
	"github.com/AashishAdhikari27/go-chat-app/internal/models"
	"github.com/AashishAdhikari27/go-chat-app/internal/token"
)

const (
	BcryptCost        = 12
	PasswordMinLength = 8
	UsernameMinLength = 3
	UsernameMaxLength = 32
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
var dummyPasswordHash []byte

func init() {
	dummyPasswordHash, _ = bcrypt.GenerateFromPassword([]byte("dummy_password_for_constant_time"), BcryptCost)
}

type AuthHandler struct {
	DB     *db.Database
	Tokens *token.Manager
}

type SignupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func isValidUsername(username string) bool {
	if len(username) < UsernameMinLength || len(username) > UsernameMaxLength {
		return false
	}
	return usernameRegex.MatchString(username)
}

func writeJSONError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "Invalid request body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	if !isValidUsername(req.Username) {
		writeJSONError(w, "Username must be 3-32 characters and contain only letters, numbers, and underscores", "INVALID_USERNAME", http.StatusBadRequest)
		return
	}
	if len(req.Password) < PasswordMinLength {
		writeJSONError(w, "Password must be at least 8 characters", "INVALID_PASSWORD", http.StatusBadRequest)
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), BcryptCost)
	if err != nil {
		writeJSONError(w, "Failed to process password", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	user, err := h.DB.CreateUser(req.Username, string(passwordHash), models.RoleUser)
	if err != nil {
		if errors.Is(err, db.ErrUserExists) {
			writeJSONError(w, "Username already registered", "USERNAME_TAKEN", http.StatusBadRequest)
			return
		}
		writeJSONError(w, "Failed to create account", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	accessToken, err := h.Tokens.Issue(user.Username, user.Role)
	if err != nil {
		writeJSONError(w, "Failed to issue token", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "Invalid request body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(req.Password))
		writeJSONError(w, "Incorrect username or password", "INVALID_CREDENTIALS", http.StatusUnauthorized)
		return
	}

	user, err := h.DB.GetUserByUsername(req.Username)
	if err != nil {
		// Burn a compare anyway so unknown usernames cost the same as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(req.Password))
		writeJSONError(w, "Incorrect username or password", "INVALID_CREDENTIALS", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		time.Sleep(100 * time.Millisecond)
		writeJSONError(w, "Incorrect username or password", "INVALID_CREDENTIALS", http.StatusUnauthorized)
		return
	}

	accessToken, err := h.Tokens.Issue(user.Username, user.Role)
	if err != nil {
		writeJSONError(w, "Failed to issue token", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
	})
}

func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "Not authenticated", "UNAUTHORIZED", http.StatusUnauthorized)
		return
	}

	user, err := h.DB.GetUserByUsername(claims.Username())
	if err != nil {
		writeJSONError(w, "User not found", "USER_NOT_FOUND", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

// Stats is the admin-only service overview.
func (h *AuthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	users, err := h.DB.CountUsers()
	if err != nil {
		writeJSONError(w, "Failed to gather stats", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	rooms, err := h.DB.CountRooms()
	if err != nil {
		writeJSONError(w, "Failed to gather stats", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	messages, err := h.DB.CountMessages()
	if err != nil {
		writeJSONError(w, "Failed to gather stats", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"users":    users,
		"rooms":    rooms,
		"messages": messages,
	})
}
