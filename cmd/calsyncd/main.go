package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/salespipe/calsync/internal/calsync"
	"github.com/salespipe/calsync/internal/httpapi"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	addr := os.Getenv("CALSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	webhookURL := strings.TrimSpace(os.Getenv("CALSYNC_WEBHOOK_URL"))
	if webhookURL == "" {
		logger.Error("CALSYNC_WEBHOOK_URL is required")
		os.Exit(1)
	}

	store, err := calsync.BuildStoreFromDSN(os.Getenv("CALSYNC_STORE_DSN"))
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	calendars := calsync.NewGoogleCalendarClientFactory(os.Getenv("CALSYNC_GOOGLE_API_BASE"), nil)
	deals := calsync.NewSalesmapClientFactory(os.Getenv("CALSYNC_SALESMAP_API_BASE"), nil)
	activity := calsync.NewActivityHub()

	registry, err := calsync.NewRegistry(calsync.RegistryOptions{
		Store:      store,
		Calendars:  calendars,
		WebhookURL: webhookURL,
		ChannelTTL: durationEnv("CALSYNC_CHANNEL_TTL", calsync.MaxChannelTTL),
		Timeout:    durationEnv("CALSYNC_GATEWAY_TIMEOUT", 30*time.Second),
		Activity:   activity,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build channel registry", "error", err)
		os.Exit(1)
	}

	reconciler, err := calsync.NewReconciler(calsync.ReconcilerOptions{
		Store:     store,
		Calendars: calendars,
		Deals:     deals,
		Timeout:   durationEnv("CALSYNC_GATEWAY_TIMEOUT", 30*time.Second),
		Logger:    logger,
		Activity:  activity,
	})
	if err != nil {
		logger.Error("failed to build reconciler", "error", err)
		os.Exit(1)
	}

	dispatcher := calsync.NewDispatcher(reconciler,
		intEnv("CALSYNC_WORKERS", 0),
		intEnv("CALSYNC_QUEUE_SIZE", 0),
		logger)
	dispatcher.Start()
	defer dispatcher.Close()

	if seedPath := strings.TrimSpace(os.Getenv("CALSYNC_MAPPINGS_FILE")); seedPath != "" {
		seed, err := calsync.LoadSeedFile(seedPath)
		if err != nil {
			logger.Error("failed to load mappings seed file", "path", seedPath, "error", err)
			os.Exit(1)
		}
		if err := calsync.ApplySeed(context.Background(), store, seed); err != nil {
			logger.Error("failed to apply mappings seed file", "path", seedPath, "error", err)
			os.Exit(1)
		}
		watcher, err := calsync.NewSeedWatcher(seedPath, store, logger)
		if err != nil {
			logger.Error("failed to watch mappings seed file", "path", seedPath, "error", err)
			os.Exit(1)
		}
		defer watcher.Close()
		logger.Info("mappings seed file applied", "path", seedPath, "users", len(seed.Users))
	}

	server := httpapi.NewServer(httpapi.ServerOptions{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Calendars:  calendars,
		Deals:      deals,
		Activity:   activity,
		Config: httpapi.ServerConfig{
			JWTSecret:          os.Getenv("CALSYNC_JWT_SECRET"),
			InternalHMACSecret: os.Getenv("CALSYNC_INTERNAL_HMAC_SECRET"),
			InternalMaxSkew:    durationEnv("CALSYNC_INTERNAL_MAX_SKEW", 5*time.Minute),
			RateLimitMax:       intEnv("CALSYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow:    durationEnv("CALSYNC_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:       int64Env("CALSYNC_MAX_BODY_BYTES", 0),
			Logger:             logger,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Channels live at most seven days; the in-process scheduler runs
	// well inside that window so an external cron is optional.
	renewInterval := durationEnv("CALSYNC_RENEW_INTERVAL", 6*time.Hour)
	renewWindow := durationEnv("CALSYNC_RENEW_WINDOW", 24*time.Hour)
	go renewLoop(ctx, registry, renewInterval, renewWindow, logger)

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("calsyncd listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("calsyncd stopped")
}

func renewLoop(ctx context.Context, registry *calsync.Registry, interval, window time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := registry.RenewDueChannels(ctx, window)
			if len(results) > 0 {
				logger.Info("renewal pass completed", "channels", len(results))
			}
		}
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
