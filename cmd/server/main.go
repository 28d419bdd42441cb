package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/AashishAdhikari27/go-chat-app/internal/db"
	"github.com/AashishAdhikari27/go-chat-app/internal/handler"
	"github.com/AashishAdhikari27/go-chat-app/internal/middleware"
	"github.com/AashishAdhikari27/go-chat-app/internal/models"
	"github.com/AashishAdhikari27/go-chat-app/internal/token"
)

type config struct {
	JWTSecret            string
	DBPath               string
	Port                 string
	TokenTTL             time.Duration
	AllowedOrigins       []string
	TrustedProxies       []string
	AdminUsername        string
	AdminPassword        string
	MessageRetentionDays int
}

func loadConfig() (*config, error) {
	cfg := &config{
		DBPath:   "chat.db",
		Port:     "8080",
		TokenTTL: token.DefaultTTL,
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}

	if v := os.Getenv("ACCESS_TOKEN_TTL_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must be a positive integer, got %q", v)
		}
		cfg.TokenTTL = time.Duration(minutes) * time.Minute
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, entry)
			}
		}
	}

	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}

	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	if (cfg.AdminUsername == "") != (cfg.AdminPassword == "") {
		return nil, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}

	if v := os.Getenv("MESSAGE_RETENTION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("MESSAGE_RETENTION_DAYS must be a positive integer, got %q", v)
		}
		cfg.MessageRetentionDays = days
	}

	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer database.Close()
	slog.Info("Database initialized", "path", cfg.DBPath)

	if cfg.AdminUsername != "" {
		if err := bootstrapAdmin(database, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Fatal("Failed to bootstrap admin:", err)
		}
	}

	handler.SetAllowedOrigins(cfg.AllowedOrigins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MessageRetentionDays > 0 {
		go runRetentionSweep(ctx, database, cfg.MessageRetentionDays)
	}

	tokens := token.NewManager(cfg.JWTSecret, cfg.TokenTTL)

	apiLimiter := middleware.NewRateLimiter(ctx, 60)
	authLimiter := middleware.NewRateLimiter(ctx, 10)
	if len(cfg.TrustedProxies) > 0 {
		apiLimiter.SetTrustedProxies(cfg.TrustedProxies)
		authLimiter.SetTrustedProxies(cfg.TrustedProxies)
	}

	mux := newMux(database, tokens, apiLimiter, authLimiter)

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     bodyLimitMiddleware(loggingMiddleware(mux)),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("Chat server starting", "port", cfg.Port, "token_ttl", tokens.TTL())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

// newMux wires every route so tests can stand up the full surface
// against an httptest server.
func newMux(database *db.Database, tokens *token.Manager, apiLimiter, authLimiter *middleware.RateLimiter) *http.ServeMux {
	wsHandler := handler.NewWSHandler(database, tokens)
	authHandler := &handler.AuthHandler{DB: database, Tokens: tokens}
	roomHandler := &handler.RoomHandler{DB: database, Broker: wsHandler.Broker}

	requireAuth := middleware.RequireAuth(tokens)
	requireAdmin := middleware.RequireRole(models.RoleAdmin)

	limited := func(rl *middleware.RateLimiter, h http.HandlerFunc) http.HandlerFunc {
		if rl == nil {
			return h
		}
		return rl.Middleware(h).ServeHTTP
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := database.Ping(); err != nil {
			slog.Error("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status":   "unhealthy",
				"database": "disconnected",
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("POST /api/auth/signup", limited(authLimiter, authHandler.Signup))
	mux.HandleFunc("POST /api/auth/login", limited(authLimiter, authHandler.Login))
	mux.HandleFunc("GET /api/auth/me", limited(apiLimiter, requireAuth(authHandler.GetMe)))
	mux.HandleFunc("GET /api/admin/stats", limited(apiLimiter, requireAuth(requireAdmin(authHandler.Stats))))

	mux.HandleFunc("GET /api/rooms", limited(apiLimiter, requireAuth(roomHandler.ListRooms)))
	mux.HandleFunc("GET /api/rooms/{id}", limited(apiLimiter, requireAuth(roomHandler.GetRoom)))
	mux.HandleFunc("GET /api/rooms/{id}/messages", limited(apiLimiter, requireAuth(roomHandler.RoomMessages)))

	mux.HandleFunc("GET /ws/{id}", wsHandler.HandleRoom)

	return mux
}

// bootstrapAdmin ensures the configured admin account exists. An
// existing username is left untouched, whatever its role.
func bootstrapAdmin(database *db.Database, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), handler.BcryptCost)
	if err != nil {
		return err
	}

	_, err = database.CreateUser(username, string(hash), models.RoleAdmin)
	if errors.Is(err, db.ErrUserExists) {
		slog.Info("Admin user already exists", "username", username)
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("Admin user created", "username", username)
	return nil
}

func runRetentionSweep(ctx context.Context, database *db.Database, retentionDays int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	maxAge := time.Duration(retentionDays) * 24 * time.Hour
	for {
		select {
		case <-ctx.Done():
			slog.Info("Retention sweep stopped")
			return
		case <-ticker.C:
			deleted, err := database.CleanupOldMessages(maxAge)
			if err != nil {
				slog.Error("Failed to delete expired messages", "error", err)
			} else if deleted > 0 {
				slog.Info("Deleted expired messages", "count", deleted, "retention_days", retentionDays)
			}
		}
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

const maxBodySize = 64 * 1024

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}
