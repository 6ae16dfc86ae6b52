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
	"github.com/robfig/cron/v3"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/adapter/token"
	"github.com/atmx/leverage-engine/internal/api"
	"github.com/atmx/leverage-engine/internal/clock"
	"github.com/atmx/leverage-engine/internal/config"
	"github.com/atmx/leverage-engine/internal/controller"
	"github.com/atmx/leverage-engine/internal/coordinator"
	"github.com/atmx/leverage-engine/internal/keeper"
	"github.com/atmx/leverage-engine/internal/ledger"
	"github.com/atmx/leverage-engine/internal/metrics"
	"github.com/atmx/leverage-engine/internal/oracle"
	"github.com/atmx/leverage-engine/internal/store"
	"github.com/atmx/leverage-engine/internal/venue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
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

	// --- Venue, providers, oracle ---
	clk := clock.System{}
	sim := venue.New(clk)
	market := newSimMarket(sim, clk, cfg.Simulation)

	reg := adapter.NewRegistry()
	if err := registerProviders(reg, sim, clk, cfg.Simulation); err != nil {
		slog.Error("provider registration failed", "err", err)
		os.Exit(1)
	}
	feed := oracle.NewFeed(clk, controller.OracleLimits(cfg.Coordinator), market.Sources()...)

	// --- Ledger and controller ---
	led := ledger.New(st, clk)
	if err := led.Load(ctx); err != nil {
		slog.Error("ledger load failed", "err", err)
		os.Exit(1)
	}
	ctrl := controller.New(led, feed)
	if !ctrl.State().Initialized {
		authority, _ := config.ParseAccount(cfg.Authority)
		treasury, _ := config.ParseAccount(cfg.Treasury)
		if err := ctrl.Initialize(ctx, authority, treasury, cfg.Coordinator); err != nil {
			slog.Error("controller initialization failed", "err", err)
			os.Exit(1)
		}
	}
	metrics.ActivePositions.Set(float64(led.Global().ActivePositions))

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	neutral := make([]adapter.Token, len(cfg.NeutralTokens))
	for i, sym := range cfg.NeutralTokens {
		neutral[i] = config.Token(sym)
	}
	coord := coordinator.New(coordinator.Deps{
		Ledger:        led,
		Controller:    ctrl,
		Registry:      reg,
		Tokens:        token.New(sim),
		Host:          sim,
		Oracle:        feed,
		Clock:         clk,
		NeutralTokens: neutral,
		Events:        wsHub,
	})

	// --- Background jobs ---
	heartbeat := cron.New(cron.WithSeconds())
	if _, err := heartbeat.AddFunc("*/15 * * * * *", market.Refresh); err != nil {
		slog.Error("oracle heartbeat schedule failed", "err", err)
		os.Exit(1)
	}
	heartbeat.Start()

	var kp *keeper.Keeper
	if cfg.Keeper.Enabled {
		caller, _ := config.ParseAccount(cfg.Keeper.Caller)
		kp, err = keeper.New(keeper.Config{
			Schedule:    cfg.Keeper.Schedule,
			Workers:     cfg.Keeper.Workers,
			FractionBps: cfg.Keeper.FractionBps,
			Caller:      caller,
			RunTimeout:  cfg.Keeper.RunTimeout,
		}, led, coord)
		if err == nil {
			err = kp.Start(ctx)
		}
		if err != nil {
			slog.Error("keeper start failed", "err", err)
			os.Exit(1)
		}
	}

	apiSvc := api.NewService(coord, ctrl, reg, wsHub, api.Options{
		RatePerSecond: cfg.API.RatePerSecond,
		Burst:         cfg.API.Burst,
		Prices:        market,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"leverage-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", apiSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("leverage-engine listening", "port", port, "providers", len(reg.List()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down leverage-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if kp != nil {
		kp.Stop()
	}
	<-heartbeat.Stop().Done()
	stop()
	fmt.Println("leverage-engine stopped")
}
