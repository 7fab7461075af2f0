// Package main is the entry point for the messaging server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/capitalize-ai/direct-messaging/internal/config"
	"github.com/capitalize-ai/direct-messaging/internal/gateway"
	"github.com/capitalize-ai/direct-messaging/internal/handler"
	"github.com/capitalize-ai/direct-messaging/internal/hub"
	"github.com/capitalize-ai/direct-messaging/internal/identity"
	natsclient "github.com/capitalize-ai/direct-messaging/internal/nats"
	"github.com/capitalize-ai/direct-messaging/internal/presence"
	"github.com/capitalize-ai/direct-messaging/internal/safety"
	"github.com/capitalize-ai/direct-messaging/internal/service"
	"github.com/capitalize-ai/direct-messaging/internal/store"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
	"github.com/capitalize-ai/direct-messaging/pkg/tracing"
)

const serviceName = "direct-messaging"

func main() {
	cfg := config.Load()

	var (
		log *logger.Logger
		err error
	)
	if cfg.Development() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting server", zap.String("env", cfg.Environment))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	clock := clockwork.NewRealClock()
	checks := map[string]handler.Pinger{}

	// Persistence
	var (
		st     store.Store
		blocks safety.Checker
	)
	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		st, blocks = pg, safety.NewPgBlocklist(pool)
		checks["database"] = pg
		log.Info("using postgres store")
	} else {
		mem := store.NewMemoryStore()
		st, blocks = mem, safety.NewBlocklist()
		checks["database"] = mem
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Typing presence
	var typingStore presence.Store
	if cfg.RedisURL != "" {
		rs, err := presence.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rs.Close()
		typingStore = rs
		checks["redis"] = rs
	} else {
		mem := presence.NewMemoryStore()
		go mem.RunSweeper(ctx, clock, time.Minute)
		typingStore = mem
	}

	// Sessions and fan-out
	registry := hub.New(hub.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissThreshold:     cfg.HeartbeatMissThreshold,
		Clock:             clock,
		Logger:            log,
	})
	go registry.Run(ctx)

	var notifier service.Notifier = registry
	if cfg.NATSEnabled {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     serviceName,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()

		bus := natsclient.NewBus(nc, registry, uuid.NewString(), log)
		if err := bus.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		if err := bus.Start(ctx); err != nil {
			return fmt.Errorf("start bus: %w", err)
		}
		defer bus.Stop()
		go bus.RunMetrics(ctx, 30*time.Second)

		notifier = bus
		checks["nats"] = nc
	}

	typing := presence.NewBroadcaster(typingStore, st, notifier, clock, log)
	svcs := service.New(service.Deps{
		Store:    st,
		Safety:   blocks,
		Notifier: notifier,
		Typing:   typing,
		Clock:    clock,
		Logger:   log,
	})

	verifier := identity.NewJWTVerifier(cfg.JWTSecret)
	router := handler.NewRouter(handler.RouterConfig{
		Verifier:      verifier,
		Conversations: handler.NewConversationHandler(svcs.Directory, log),
		Messages:      handler.NewMessageHandler(svcs.Delivery, svcs.Receipts, log),
		Typing:        handler.NewTypingHandler(typing, log),
		Stream:        handler.NewStreamHandler(registry, clock, log),
		Health:        handler.NewHealthHandler(checks),
		Sessions: gateway.New(gateway.Config{
			Verifier: verifier,
			Hub:      registry,
			Acks:     svcs.Delivery,
			Receipts: svcs.Receipts,
			Typing:   typing,
			Clock:    clock,
			Logger:   log,
		}),
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websockets and open streams are not tracked by Shutdown.
	registry.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
