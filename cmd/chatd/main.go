package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/farmchat/internal/chat"
	"github.com/joelkehle/farmchat/internal/config"
	"github.com/joelkehle/farmchat/internal/delivery"
	"github.com/joelkehle/farmchat/internal/httpapi"
	"github.com/joelkehle/farmchat/internal/identity"
	"github.com/joelkehle/farmchat/internal/logging"
	"github.com/joelkehle/farmchat/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides FARMCHAT_DB_PATH)")
	envFlag := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
		cfg.Backend = "sqlite"
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("chatd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := telemetry.Setup(ctx, "farmchat", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	provider, err := openIdentity(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := delivery.NewHub(delivery.HubConfig{Buffer: cfg.SubscriberBuf, Logger: logger, Registerer: reg})
	var publisher chat.Publisher = hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		bridge := delivery.NewRedisBridge(rdb, cfg.RedisChannel, hub, logger)
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis bridge stopped", zap.Error(err))
			}
		}()
		publisher = bridge
		logger.Info("redis fan-out enabled", zap.String("addr", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	}

	svc, err := chat.NewService(chat.Config{
		StoreTimeout:    cfg.StoreTimeout,
		SendRate:        cfg.SendRate,
		SendBurst:       cfg.SendBurst,
		DispatchQueue:   cfg.DispatchQueue,
		DispatchWorkers: cfg.DispatchWorkers,
	}, chat.Deps{
		Store:     store,
		Identity:  provider,
		Publisher: publisher,
		Logger:    logger,
		Metrics:   chat.NewMetrics(reg),
		Tracer:    tp.Tracer("github.com/joelkehle/farmchat"),
	})
	if err != nil {
		return err
	}
	defer svc.Close()
	hub.OnDelivered(func(ctx context.Context, evt chat.Event) {
		svc.MarkDelivered(ctx, evt.MessageID)
	})

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServer(svc, httpapi.Options{
			JWTSecret: []byte(cfg.JWTSecret),
			Events:    hub,
			Logger:    logger,
			Gatherer:  reg,
			KeepAlive: cfg.KeepAlive,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("farmchat listening", zap.String("addr", cfg.Addr), zap.String("backend", cfg.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func openStore(cfg *config.Config, logger *zap.Logger) (chat.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory store; messages are lost on restart")
		return chat.NewMemoryStore(), nil
	case "snapshot":
		s, err := chat.NewSnapshotStore(cfg.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("snapshot store (%s): %w", cfg.SnapshotPath, err)
		}
		logger.Info("using snapshot store", zap.String("path", cfg.SnapshotPath))
		return s, nil
	default:
		s, err := chat.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store (%s): %w", cfg.DBPath, err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.DBPath))
		return s, nil
	}
}

func openIdentity(cfg *config.Config, logger *zap.Logger) (chat.IdentityProvider, error) {
	if cfg.IdentityURL != "" {
		logger.Info("resolving participants over http", zap.String("url", cfg.IdentityURL))
		return identity.NewCached(identity.NewHTTPProvider(cfg.IdentityURL, cfg.IdentityToken), cfg.IdentityCacheLen, cfg.IdentityCacheTTL), nil
	}
	dir, err := identity.LoadDirectory(cfg.DirectoryFile)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded participant directory", zap.String("file", cfg.DirectoryFile), zap.Int("participants", dir.Len()))
	return dir, nil
}
