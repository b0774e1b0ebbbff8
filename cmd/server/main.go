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

	"github.com/tokensim/trade-engine/internal/config"
	"github.com/tokensim/trade-engine/internal/metrics"
	"github.com/tokensim/trade-engine/internal/pricing"
	"github.com/tokensim/trade-engine/internal/quote"
	"github.com/tokensim/trade-engine/internal/store"
	"github.com/tokensim/trade-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema bootstrap failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("ENGINE_DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Shared tick cache (optional) ---
	var shared pricing.SharedCache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid ENGINE_REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		shared = store.NewTickCache(rdb, cfg.SharedCacheTTL)
		slog.Info("shared tick cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket tick hub ---
	hub := trade.NewTickHub()
	go hub.Run()

	// --- Price aggregator (sources in priority order) ---
	sources := []quote.Source{
		quote.NewJupiterSource("", cfg.FetchTimeout),
		quote.NewDexScreenerSource("", cfg.FetchTimeout),
		quote.NewCoinGeckoSource("", cfg.FetchTimeout),
	}
	agg, err := pricing.NewAggregator(pricing.Config{
		Freshness:        cfg.Freshness,
		MaxAge:           cfg.MaxAge,
		FetchTimeout:     cfg.FetchTimeout,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		BatchConcurrency: cfg.BatchConcurrency,
		CacheCapacity:    cfg.CacheCapacity,
	}, sources, shared, hub)
	if err != nil {
		slog.Error("aggregator init failed", "err", err)
		os.Exit(1)
	}

	// --- Background refresher ---
	refresher := pricing.NewRefresher(agg, cfg.RefreshInterval, cfg.RefreshWindow)
	refresher.Start()
	defer refresher.Stop()

	// --- Trade service ---
	coalescer := pricing.NewCoalescer(cfg.PortfolioTTL)
	tradeSvc := trade.NewService(st, agg, coalescer,
		cfg.FeeSchedule(), cfg.FillFreshness, cfg.StartingBalance())

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
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time tick updates.
		r.Get("/ws", hub.HandleWS)

		// Prices.
		r.Get("/price/{instrument}", tradeSvc.GetPrice)
		r.Get("/prices", tradeSvc.GetPrices)

		// Trade execution.
		r.Post("/trade", tradeSvc.ExecuteTrade)

		// Portfolio and history queries.
		r.Get("/accounts/{owner}", tradeSvc.GetAccount)
		r.Get("/portfolio/{owner}", tradeSvc.GetPortfolio)
		r.Get("/trades/{owner}", tradeSvc.GetTrades)
		r.Get("/pnl/{owner}", tradeSvc.GetRealizedPnL)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}
