package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradewatch/ledger-engine/internal/audit"
	"github.com/tradewatch/ledger-engine/internal/config"
	"github.com/tradewatch/ledger-engine/internal/dedup"
	"github.com/tradewatch/ledger-engine/internal/ingest"
	"github.com/tradewatch/ledger-engine/internal/locks"
	"github.com/tradewatch/ledger-engine/internal/metrics"
	"github.com/tradewatch/ledger-engine/internal/notify"
	"github.com/tradewatch/ledger-engine/internal/pricefeed"
	"github.com/tradewatch/ledger-engine/internal/reconcile"
	"github.com/tradewatch/ledger-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var cleanup []func()

	// --- Redis (optional: cache, shared dedup, shared price feed) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("redis enabled")
	}

	// --- Store ---
	var st store.Store
	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("redis position cache enabled")
		}
	} else {
		slog.Warn("db.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Dedup window ---
	var window dedup.Window
	if rdb != nil {
		window = dedup.NewRedisWindow(rdb, cfg.Dedup.Window)
	} else {
		window = dedup.NewMemoryWindow(cfg.Dedup.Window)
	}

	// --- Price feed ---
	var feed pricefeed.Feed
	if rdb != nil {
		feed = pricefeed.NewRedisFeed(rdb, 24*time.Hour)
	} else {
		feed = pricefeed.NewMemoryFeed()
	}

	// --- Notification sinks ---
	var sinks notify.Multi
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, &notify.WebhookNotifier{URL: cfg.Notify.WebhookURL})
	}
	if cfg.Notify.TelegramBotToken != "" {
		sinks = append(sinks, &notify.TelegramNotifier{
			BotToken: cfg.Notify.TelegramBotToken,
			ChatID:   cfg.Notify.TelegramChatID,
		})
	}
	var notifier notify.Notifier
	if len(sinks) > 0 {
		notifier = sinks
	}

	// --- WebSocket hub ---
	wsHub := ingest.NewWSHub()
	go wsHub.Run()

	// --- Core services ---
	pairs := locks.NewPairMutex()
	manager := reconcile.NewManager(st, pairs, notifier, wsHub)
	svc := ingest.NewService(st, window, manager, pairs, feed, wsHub, cfg.Ingest.WebhookSecret)

	// --- Convergence audit ---
	auditor := audit.NewAuditor(st)
	if cfg.Audit.Enabled {
		if err := auditor.Start(cfg.Audit.Schedule); err != nil {
			slog.Error("audit scheduler failed", "err", err)
			os.Exit(1)
		}
		defer auditor.Stop()
		slog.Info("convergence audit scheduled", "schedule", cfg.Audit.Schedule)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of ledger activity.
		r.Get("/ws", wsHub.HandleWS)

		// Webhook ingestion.
		r.Post("/events", svc.IngestEvents)

		// Position queries.
		r.Get("/positions", svc.GetPositions)
		r.Get("/positions/audit", svc.AuditPositions)

		// Reconciliation.
		r.Get("/reconciliation-tasks", svc.ListTasks)
		r.Post("/reconciliation-tasks", svc.DecideTask)

		// External price feed write side.
		r.Put("/prices/{itemID}", svc.SetPrice)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
