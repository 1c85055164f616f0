package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron"

	"github.com/rehabmotion/platform/internal/audit"
	"github.com/rehabmotion/platform/internal/evaluation"
	"github.com/rehabmotion/platform/internal/exercise"
	"github.com/rehabmotion/platform/internal/notification"
	"github.com/rehabmotion/platform/internal/posemodel"
	"github.com/rehabmotion/platform/internal/reference"
	"github.com/rehabmotion/platform/internal/session"
	"github.com/rehabmotion/platform/internal/shared/auth"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/database"
	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/metrics"
	secmiddleware "github.com/rehabmotion/platform/internal/shared/middleware"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Bus    events.EventBus
	Stores *Stores
}

// Stores are the persistence backends selected by DB_DRIVER
type Stores struct {
	Exercises   exercise.Repository
	Evaluations evaluation.Store
	Audit       audit.AuditRepository
	health      func(ctx context.Context) error
	close       func()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	app := &App{Config: cfg, Logger: logger}

	stores, err := openStores(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	app.Stores = stores
	defer stores.close()

	bus, transport, err := events.NewEventBus(ctx, cfg.KurrentDB)
	if err != nil {
		logger.Warn("KurrentDB not available, using in-process events", "error", err)
		bus, transport = events.NewMemoryBus(), "memory"
	}
	app.Bus = bus
	defer bus.Close()
	logger.Info("event bus initialized", "transport", transport)

	if _, err := posemodel.Init(cfg.PoseModel); err != nil {
		logger.Warn("pose model not configured, video uploads will fail", "error", err)
	}
	defer posemodel.Shutdown()

	// Audit trail
	if err := stores.Audit.Initialize(ctx); err != nil {
		logger.Warn("audit initialization failed", "error", err)
	}
	if err := audit.NewSubscriber(stores.Audit, bus, logger).Start(ctx); err != nil {
		logger.Warn("audit subscriber failed to start", "error", err)
	}

	// Alert notifications
	notifier := notification.NewService(map[notification.Channel]notification.Provider{
		notification.ChannelInApp: notification.NewLogProvider(logger),
	}, notification.ConfigFrom(cfg.Notification), logger)
	if err := notifier.Start(ctx); err != nil {
		logger.Error("notification service failed to start", "error", err)
		os.Exit(1)
	}
	defer notifier.Stop()

	evaluations := evaluation.NewService(stores.Evaluations, bus, notifier, cfg.Evaluation, logger)

	// Reference processing workers
	runnerCfg := reference.DefaultRunnerConfig()
	if cfg.Reference.Workers > 0 {
		runnerCfg.Workers = cfg.Reference.Workers
	}
	runner := reference.NewRunner(reference.NewProcessor(cfg.Reference, logger), runnerCfg, logger)
	if err := runner.Start(ctx); err != nil {
		logger.Error("reference runner failed to start", "error", err)
		os.Exit(1)
	}
	defer runner.Stop()

	sessions := session.NewManager(stores.Exercises, evaluations, bus, cfg, logger)
	defer sessions.Close()

	// Scheduled jobs
	jobs := cron.New()
	if err := evaluations.Schedule(ctx, jobs); err != nil {
		logger.Error("invalid reminder schedule", "schedule", cfg.Evaluation.ReminderSchedule, "error", err)
		os.Exit(1)
	}
	if err := sessions.Schedule(jobs); err != nil {
		logger.Error("failed to schedule session sweep", "error", err)
		os.Exit(1)
	}
	jobs.Start()
	defer jobs.Stop()

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	limiter := secmiddleware.NewIPRateLimiter(cfg.Session.FramesPerSecondLimit, cfg.Session.FramesPerSecondLimit*2)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))

		// Uploads can run long; everything else gets a request timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Mount("/evaluations", evaluation.NewHandler(evaluations, cfg.Auth).Routes())
			r.Mount("/audit", audit.NewHandler(stores.Audit, cfg.Auth).Routes())
		})

		r.Mount("/exercises", exercise.NewHandler(stores.Exercises, bus, runner, cfg, logger).Routes())

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Mount("/sessions", session.NewHandler(sessions, cfg.Session).Routes())
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("rehabmotion platform starting",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"db_driver", cfg.Database.Driver,
		"event_bus", transport,
		"auth", cfg.Auth.Enabled,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("server stopped")
}

// newLogger builds the process logger: JSON in production, text otherwise.
func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Env, "production") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStores(ctx context.Context, cfg config.DatabaseConfig) (*Stores, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqliteStores(db), nil
	default:
		db, err := database.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, db.Pool); err != nil {
			db.Close()
			return nil, err
		}
		return &Stores{
			Exercises:   exercise.NewPostgresRepository(db.Pool),
			Evaluations: evaluation.NewPostgresStore(db.Pool),
			Audit:       audit.NewRepository(db.Pool),
			health:      db.Health,
			close:       db.Close,
		}, nil
	}
}

func sqliteStores(db *sql.DB) *Stores {
	return &Stores{
		Exercises:   exercise.NewSQLiteRepository(db),
		Evaluations: evaluation.NewSQLiteStore(db),
		Audit:       audit.NewSQLiteRepository(db),
		health:      db.PingContext,
		close:       func() { db.Close() },
	}
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "RehabMotion Exercise Evaluation Platform",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if err := app.Stores.health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if err := app.Bus.Health(); err != nil {
			checks["events"] = "not ready: " + err.Error()
		} else {
			checks["events"] = "ready"
		}

		if client, err := posemodel.Shared(); err != nil {
			checks["pose_model"] = "not configured"
		} else if err := client.Health(r.Context()); err != nil {
			checks["pose_model"] = "not ready: " + err.Error()
		} else {
			checks["pose_model"] = "ready"
		}

		allReady := true
		for name, status := range checks {
			// Live sessions do not need the pose model.
			if name == "pose_model" {
				continue
			}
			if status != "ready" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
