package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/config"
	"github.com/lofy-assistant/lofy/internal/gate"
	"github.com/lofy-assistant/lofy/internal/logger"
	"github.com/lofy-assistant/lofy/internal/ratelimit"
	"github.com/lofy-assistant/lofy/internal/recur"
	"github.com/lofy-assistant/lofy/internal/scheduler"
	"github.com/lofy-assistant/lofy/internal/session"
	"github.com/lofy-assistant/lofy/internal/store"
	"github.com/lofy-assistant/lofy/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
}

func main() {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		// No logger yet; exit immediately.
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("lofyd starting",
		zap.String("listen", cfg.Listen),
		zap.String("env", cfg.Env),
		zap.String("timezone", cfg.Timezone),
	)

	secret := cfg.Session.Secret
	if secret == "" {
		if cfg.Production() {
			log.Fatal("session.secret must be set in production")
		}
		// Development convenience: an ephemeral secret invalidates all
		// sessions on restart, which is fine locally.
		secret = randomSecret()
		log.Warn("session.secret not set, using an ephemeral secret")
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Process-wide clients: constructed once, closed on shutdown.
	repo, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres init failed", zap.Error(err))
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Rate limiting fails open and dispatch retries, so Redis
		// being down at boot is not fatal.
		log.Warn("redis unreachable at startup", zap.Error(err))
	}

	sessions, err := session.New(secret, cfg.Session.TTL)
	if err != nil {
		log.Fatal("session manager init failed", zap.Error(err))
	}

	expander := recur.New(log)

	generalLimiter := ratelimit.NewRedis(rdb, "lofy:rl:general",
		cfg.RateLimitGeneral.Requests, cfg.RateLimitGeneral.Window)
	authLimiter := ratelimit.NewRedis(rdb, "lofy:rl:auth",
		cfg.RateLimitAuth.Requests, cfg.RateLimitAuth.Window)

	gatekeeper := gate.New(log, generalLimiter, authLimiter, sessions, repo,
		cfg.Session.CookieName, cfg.Production())

	server := web.NewServer(cfg, log, repo, expander, sessions, rdb)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gatekeeper.Middleware(server.Router()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	dispatcher := scheduler.New(repo, expander,
		scheduler.NewRedisQueue(rdb, cfg.DispatchQueue), log)
	if err := dispatcher.Start(cfg.DispatchCron); err != nil {
		log.Fatal("dispatch scheduler init failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Listen))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	dispatcher.Stop()

	log.Info("lofyd exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/lofy/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")

	flag.Parse()

	return cfg
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
