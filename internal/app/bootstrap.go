package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kenshar/gymflow-backtend/internal/auth"
	"github.com/kenshar/gymflow-backtend/internal/db"
	"github.com/kenshar/gymflow-backtend/internal/maintenance"
	"github.com/kenshar/gymflow-backtend/internal/member"
	"github.com/kenshar/gymflow-backtend/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

// Build wires the whole service: config from env, Postgres, migrations, the
// revocation registry (Redis when REDIS_URL is set, Postgres otherwise),
// auth core, collaborator handlers and the middleware chain.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	var revocations auth.RevocationStore
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		revocations, err = auth.NewRedisRevocationStore(redisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init redis revocation store: %w", err)
		}
		logger.Info("revocation_store", map[string]any{"backend": "redis"})
	} else {
		revocations = auth.NewPostgresRevocationStore(database, envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500))
		logger.Info("revocation_store", map[string]any{"backend": "postgres"})
	}

	store := auth.NewPostgresStore(database)
	hasher := auth.NewHasher()
	issuer := auth.NewTokenIssuer(jwtSecret, envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 30))

	authService, err := auth.NewService(store, revocations, hasher, issuer)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init auth service: %w", err)
	}
	authService.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 30),
	)

	if err := bootstrapAdmin(authService, logger); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(authService)
	memberRepo := member.NewRepository(database)
	memberHandler := member.NewHandler(memberRepo, authService)
	cleanupHandler := maintenance.NewCleanupHandler(
		store,
		revocations,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_RESET_TOKEN_RETENTION_DAYS", 7),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	loginLimiter := auth.NewLoginRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	authed := func(h http.HandlerFunc) http.Handler {
		return auth.RequireAuth(authService, h)
	}
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return auth.RequireAuth(authService, auth.RequireRole(auth.RoleAdmin, h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("GET /auth/verify", authHandler.Verify)
	mux.HandleFunc("POST /auth/password-reset/request", authHandler.RequestPasswordReset)
	mux.HandleFunc("POST /auth/password-reset/confirm", authHandler.ConfirmPasswordReset)
	mux.Handle("GET /members/me", authed(memberHandler.Me))
	mux.Handle("GET /admin/members", adminOnly(memberHandler.List))
	mux.Handle("PUT /admin/members/{id}/role", adminOnly(memberHandler.UpdateRole))
	mux.Handle("POST /admin/members/{id}/unlock", adminOnly(memberHandler.Unlock))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

// bootstrapAdmin seeds the first admin credential from env. An existing
// username or email is left untouched.
func bootstrapAdmin(service *auth.Service, logger *observability.Logger) error {
	username := strings.TrimSpace(strings.ToLower(os.Getenv("ADMIN_USERNAME")))
	email := strings.TrimSpace(strings.ToLower(os.Getenv("ADMIN_EMAIL")))
	password := strings.TrimSpace(os.Getenv("ADMIN_PASSWORD"))

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	if email == "" {
		email = username + "@localhost"
	}

	_, err := service.Register(context.Background(), auth.RegisterParams{
		Username: username,
		Email:    email,
		Password: password,
		Role:     auth.RoleAdmin,
	})
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateCredential) {
			logger.Info("admin_bootstrap_skipped", map[string]any{"username": username})
			return nil
		}
		return err
	}

	logger.Info("admin_bootstrap_created", map[string]any{"username": username})
	return nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
