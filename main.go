package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/agencydash/warden/internal/auth"
	"github.com/agencydash/warden/internal/config"
	"github.com/agencydash/warden/internal/mail"
	"github.com/agencydash/warden/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// cleanupInterval is how often the server runs the janitor.
const cleanupInterval = time.Hour

func main() {
	// A .env file is for local development; deployed environments inject variables directly.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			slog.Error("fatal", "err", fmt.Errorf("loading .env: %w", err))
			os.Exit(1)
		}
	}

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setupLogging sets slog to JSON on stdout at the configured level.
func setupLogging(cfg *config.Config) {
	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))
}

// migrationsFS returns the embedded migrations rooted at their directory.
func migrationsFS() (fs.FS, error) {
	sub, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	return sub, nil
}

// openPostgres connects and applies pending migrations.
func openPostgres(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set up postgres store: %w", err)
	}
	mfs, err := migrationsFS()
	if err != nil {
		ps.Close()
		return nil, err
	}
	applied, err := ps.Migrate(ctx, mfs)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(applied) > 0 {
		slog.Info("migrations applied", "versions", applied)
	}
	return ps, nil
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A non-nil ml replaces the configured mail transport (tests capture mail this way).
func run(ctx context.Context, cfg *config.Config, ready chan<- string, ml mail.Mailer) error {
	ps, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	// Redis is optional; it carries the outbound mail queue only. Sessions, rate
	// limits and challenges live in Postgres so every replica sees the same state.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
	}

	if ml == nil {
		ml = smtpMailer(cfg)
	}
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	if rdb != nil && ml.IsConfigured() {
		q := mail.NewQueuedMailer(ml, rdb, mail.DefaultMaxQueueSize)
		go q.StartWorker(bgCtx, cfg.EmailSendTimeout)
		ml = q
	}

	c := newComponents(cfg, ps, ml)
	go c.orch.RunJanitor(bgCtx, cleanupInterval)

	h := &auth.Handler{
		Sessions:  c.orch,
		Providers: newProviders(ctx, cfg),
		Postgres:  ps.CheckHealth,
		Redis:     func(ctx context.Context) error { return store.CheckRedis(ctx, rdb) },
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	// In-flight requests get 30s to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wraps the auth routes in the shared middleware stack.
// RealIP must run before the handlers read the client address.
func buildRouter(h *auth.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Mount("/", h.Routes())
	return r
}
