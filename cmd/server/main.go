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

	"github.com/sealbid/clearing-engine/internal/api"
	"github.com/sealbid/clearing-engine/internal/auction"
	"github.com/sealbid/clearing-engine/internal/config"
	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/limits"
	"github.com/sealbid/clearing-engine/internal/metrics"
	"github.com/sealbid/clearing-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Encrypted computation and ledger ---
	backend, err := fhe.NewMemoryBackend(cfg.FHEMasterKey)
	if err != nil {
		slog.Error("fhe backend init failed", "err", err)
		os.Exit(1)
	}
	if cfg.FHEMasterKey == nil {
		slog.Warn("FHE_MASTER_KEY not set, generated an ephemeral input key")
	}
	if cfg.DatabaseURL != "" {
		// Stored bids reference ciphertexts held only in this process.
		// Finalizing them after a restart fails and leaves the auction open.
		slog.Warn("in-memory fhe backend with a persistent store, ciphertexts of earlier runs are unreadable")
	}
	ev := fhe.NewInstrumented(backend, metrics.ObserveFHE)

	led := ledger.NewMemoryLedger(ev, cfg.Custodian)
	for _, b := range cfg.Balances {
		led.Mint(b.Token, b.Account, b.Amount)
	}
	slog.Info("ledger seeded", "accounts", len(cfg.Balances))

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Auction engine ---
	engine, err := auction.NewEngine(ctx, st, ev, led, auction.Options{
		Custodian:       cfg.Custodian,
		MinFillFraction: cfg.MinFillFraction,
		Limiter:         limits.NewBidLimiter(cfg.MaxBidsPerAuction, cfg.MaxOpenBidsPerBidder),
		Publisher:       wsHub,
	})
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.PrincipalHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"clearing-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for auction lifecycle events.
		r.Get("/ws", wsHub.HandleWS)

		// REST routes only; WebSocket connections are long-lived.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			api.NewHandler(engine).Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("clearing-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down clearing-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("clearing-engine stopped")
}
