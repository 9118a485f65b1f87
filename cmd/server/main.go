package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/energy-market/internal/auth"
	"github.com/atmx/energy-market/internal/config"
	"github.com/atmx/energy-market/internal/instruction"
	"github.com/atmx/energy-market/internal/limits"
	"github.com/atmx/energy-market/internal/market"
	"github.com/atmx/energy-market/internal/metrics"
	"github.com/atmx/energy-market/internal/outbox"
	"github.com/atmx/energy-market/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENERGY_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// bg tracks goroutines that use resources released by cleanup.
	var bg sync.WaitGroup
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, closeStore...)

	// --- Trade outbox and Kafka relay ---
	var ob *outbox.Outbox
	if cfg.Kafka.OutboxDir != "" {
		ob, err = outbox.Open(cfg.Kafka.OutboxDir)
		if err != nil {
			slog.Error("outbox open failed", "dir", cfg.Kafka.OutboxDir, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() {
			if err := ob.Close(); err != nil {
				slog.Error("outbox close failed", "err", err)
			}
		})
		slog.Info("trade outbox enabled", "dir", cfg.Kafka.OutboxDir)

		if len(cfg.Kafka.Brokers) > 0 {
			producer, err := outbox.NewProducer(cfg.Kafka.Brokers)
			if err != nil {
				slog.Error("kafka producer failed", "err", err)
				os.Exit(1)
			}
			relay := outbox.NewRelay(ob, producer, cfg.Kafka.Topic, cfg.Kafka.RelayBatch, logger)
			cleanup = append(cleanup, func() {
				if err := relay.Close(); err != nil {
					slog.Error("kafka producer close failed", "err", err)
				}
			})
			bg.Add(1)
			go func() {
				defer bg.Done()
				relay.Run(ctx, cfg.Kafka.RelayInterval)
			}()
		} else {
			slog.Warn("kafka.brokers not set, trades accumulate in the outbox")
		}
	}

	// --- Submission limits ---
	maxNotional, _ := cfg.MaxNotional() // validated by Load
	limiter := limits.NewSubmissionLimiter(cfg.Limits.MaxAmount, cfg.Limits.MaxPrice, maxNotional, cfg.Limits.MaxOpenPerParticipant)

	// --- WebSocket hub ---
	wsHub := market.NewWSHub()
	bg.Add(1)
	go func() {
		defer bg.Done()
		wsHub.Run(ctx)
	}()

	// --- Market service ---
	svc := market.NewService(st, cfg.Market, instruction.NewProcessor(nil, nil), limiter, ob, wsHub)
	if cfg.MatchInterval > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			svc.RunClearing(ctx, cfg.MatchInterval)
		}()
	}

	operators, _ := cfg.OperatorIdentities()
	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, operators)
	if authn.DevMode() {
		slog.Warn("auth.jwt_secret not set, trusting X-Participant-ID and X-Operator headers")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderParticipant+", "+auth.HeaderOperator)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q,"market":%q}`, cfg.ServiceName, cfg.Market)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r, authn)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("energy-market listening", "port", cfg.HTTP.Port, "market", cfg.Market)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down energy-market...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	bg.Wait()
	slog.Info("energy-market stopped")
}

// openStore picks Postgres, then SQLite, then memory, and puts the Redis
// cache in front when configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}
