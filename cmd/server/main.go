package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/horsepicks/race-engine/internal/betting"
	"github.com/horsepicks/race-engine/internal/config"
	"github.com/horsepicks/race-engine/internal/game"
	"github.com/horsepicks/race-engine/internal/logger"
	"github.com/horsepicks/race-engine/internal/metrics"
	"github.com/horsepicks/race-engine/internal/odds"
	"github.com/horsepicks/race-engine/internal/outbox"
	"github.com/horsepicks/race-engine/internal/publish"
	"github.com/horsepicks/race-engine/internal/race"
	"github.com/horsepicks/race-engine/internal/settlement"
	"github.com/horsepicks/race-engine/internal/store"
)

const serviceName = "race-engine"

func main() {
	cfg := config.Load()

	log, flush, err := logger.New(serviceName, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()
	slog.SetDefault(log)

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		slog.Error("invalid rules", "err", err)
		os.Exit(1)
	}
	book, err := odds.NewBook(rules.OddsMin, rules.OddsMax, rules.Multipliers)
	if err != nil {
		slog.Error("invalid odds book", "err", err)
		os.Exit(1)
	}
	gen, err := race.NewGenerator(rules.NamePool, book, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
	if err != nil {
		slog.Error("invalid name pool", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		sq, err := store.OpenSQLite(context.Background(), cfg.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("using SQLite", "path", cfg.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

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

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Persistence outbox ---
	ob := outbox.New(cfg.OutboxSize, cfg.OutboxMaxAttempts, cfg.OutboxBackoff, log)
	obCtx, stopOutbox := context.WithCancel(context.Background())
	obDone := make(chan struct{})
	go func() {
		ob.Run(obCtx)
		close(obDone)
	}()

	// --- Event publishing ---
	var pub publish.Publisher = publish.Nop{}
	if cfg.KafkaBrokers != "" {
		w := publish.NewWriter(cfg.KafkaBrokers, cfg.TopicRaceSettled)
		cleanup = append(cleanup, func() { w.Close() })
		pub = publish.NewKafkaPublisher(w)
		slog.Info("publishing race events", "brokers", cfg.KafkaBrokers, "topic", cfg.TopicRaceSettled)
	}

	// --- WebSocket hub ---
	wsHub := betting.NewWSHub()
	go wsHub.Run()

	// --- Betting service ---
	svc := betting.NewService(&game.Deps{
		Rules:     rules,
		Book:      book,
		Generator: gen,
		Store:     st,
		Settler:   settlement.NewEngine(st, ob, pub, log),
		Outbox:    ob,
		Notifier:  wsHub,
		Log:       log,
	}, cfg.HistoryLimit)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"race-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of race ticks and results. Not wrapped in the
		// timeout or compression middleware; the connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(middleware.Compress(5, "application/json"))

			// Players and wallets.
			r.Post("/players", svc.CreatePlayer)
			r.Get("/players/{playerID}", svc.GetPlayer)
			r.Patch("/players/{playerID}", svc.UpdatePlayer)
			r.Post("/players/{playerID}/deposit", svc.Deposit)
			r.Post("/players/{playerID}/withdraw", svc.Withdraw)
			r.Get("/players/{playerID}/history", svc.GetHistory)

			// Race table.
			r.Get("/players/{playerID}/table", svc.GetTable)
			r.Put("/players/{playerID}/table/field", svc.SetField)
			r.Post("/players/{playerID}/table/race", svc.StartRace)
			r.Post("/players/{playerID}/table/reset", svc.PlayAgain)

			// Entrant stats.
			r.Get("/entrants/stats", svc.GetEntrantStats)
		})
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
		slog.Info("race-engine listening", "port", cfg.Port, "env", cfg.Env)
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

	slog.Info("shutting down race-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// Stop race clocks, then flush pending writes before closing stores.
	svc.Close()
	stopOutbox()
	<-obDone
	slog.Info("race-engine stopped")
}
