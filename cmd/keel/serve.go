package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel/internal/api"
	"github.com/keelhq/keel/internal/apikey"
	"github.com/keelhq/keel/internal/auth"
	"github.com/keelhq/keel/internal/billing"
	"github.com/keelhq/keel/internal/completions"
	"github.com/keelhq/keel/internal/config"
	"github.com/keelhq/keel/internal/crypto"
	"github.com/keelhq/keel/internal/metering"
	"github.com/keelhq/keel/internal/metrics"
	"github.com/keelhq/keel/internal/ratelimit"
	"github.com/keelhq/keel/internal/registry"
	"github.com/keelhq/keel/internal/session"
	"github.com/keelhq/keel/internal/team"
	"github.com/keelhq/keel/internal/user"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Keel gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// Housekeeping intervals.
const (
	sessionSweepInterval = time.Hour
	limiterPruneInterval = 10 * time.Minute
)

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.PoolStats {
		s := pool.Stat()
		return metrics.PoolStats{
			Total:    s.TotalConns(),
			Idle:     s.IdleConns(),
			Acquired: s.AcquiredConns(),
			Max:      s.MaxConns(),
		}
	})

	// Identity and sessions.
	userStore := user.NewStore(pool, cfg.Auth.SessionTTL)
	cache, closeCache, err := newSessionCache(ctx, cfg.SessionCache)
	if err != nil {
		return err
	}
	defer closeCache()
	sessions := session.NewCachedResolver(user.NewSessionResolver(userStore), cache)
	sessions.SetMetrics(m)

	// Keys.
	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption_key: %w", err)
	}
	if cipher == nil {
		slog.Warn("encryption_key not set; API keys cannot be revealed after creation")
	}
	keyStore := apikey.NewStore(pool)
	keyService := apikey.NewService(keyStore, cipher)
	keyAuth := auth.NewService(apikey.NewAuthAdapter(keyStore))

	teamService := team.NewService(team.NewStore(pool))
	models := registry.NewService(registry.NewStore(pool))

	// Metering and limits.
	meterStore := metering.NewStore(pool)
	recorder := metering.NewRecorder(meterStore)
	recorder.SetMetrics(m)
	var collector *metering.Collector
	flushed := make(chan struct{})
	if cfg.Metering.Async {
		collector = metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
		collector.SetMetrics(m)
		recorder.UseCollector(collector)
		go func() {
			collector.Start(ctx)
			close(flushed)
		}()
	}
	checker := metering.NewChecker(meterStore, metering.Limits{
		TeamDaily:     cfg.Limits.TeamDaily,
		TeamMonthly:   cfg.Limits.TeamMonthly,
		TeamTotal:     cfg.Limits.TeamTotal,
		UserDaily:     cfg.Limits.UserDaily,
		UserMonthly:   cfg.Limits.UserMonthly,
		UserTotal:     cfg.Limits.UserTotal,
		EnforceTotals: cfg.Limits.EnforceTotals,
	})
	checker.SetMetrics(m)

	price, err := cfg.PricePerMillion()
	if err != nil {
		return err
	}
	billingService := billing.NewService(userStore, billing.NewStore(pool), meterStore, billing.Config{
		CheckpointRefresh: cfg.Billing.CheckpointRefresh,
		PricePerMillion:   price,
	})

	completionHandler := completions.NewHandler(models, userStore, checker, recorder,
		cfg.ProviderAPIKey, cfg.Upstream.Timeout, cfg.Upstream.MaxRequestSize)
	completionHandler.SetMetrics(m)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Default > 0 {
		limiter = ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
		go every(ctx, limiterPruneInterval, func() {
			if n := limiter.Prune(limiterPruneInterval); n > 0 {
				slog.Debug("pruned idle rate limit buckets", "count", n)
			}
		})
	}

	go every(ctx, sessionSweepInterval, func() {
		n, err := userStore.CleanExpiredSessions(ctx)
		if err != nil {
			slog.Error("cleaning expired sessions", "error", err)
			return
		}
		if n > 0 {
			slog.Info("cleaned expired sessions", "count", n)
		}
	})

	router := api.NewRouter(api.RouterDeps{
		DB:             pool,
		Accounts:       userStore,
		Members:        userStore,
		Sessions:       sessions,
		Forget:         sessions,
		Teams:          teamService,
		Keys:           keyService,
		Models:         models,
		Usage:          meterStore,
		Billing:        billingService,
		KeyAuth:        keyAuth,
		Completions:    completionHandler,
		Limiter:        limiter,
		Metrics:        m,
		CookieName:     cfg.Auth.CookieName,
		SecureCookie:   cfg.Auth.SecureCookie,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	if collector != nil {
		collector.Stop()
		<-flushed
	}
	return err
}

// newSessionCache builds the configured cache and a func releasing it.
func newSessionCache(ctx context.Context, cfg config.SessionCacheConfig) (session.Cache, func(), error) {
	if cfg.Backend == "redis" {
		c, err := session.NewRedisCache(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("session cache", "backend", "redis")
		return c, func() { _ = c.Close() }, nil
	}
	slog.Info("session cache", "backend", "memory", "capacity", cfg.Capacity, "ttl", cfg.TTL)
	return session.NewMemoryCache(cfg.Capacity, cfg.TTL), func() {}, nil
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
