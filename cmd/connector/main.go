// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pushmesh/connector/amqp"
	"github.com/pushmesh/connector/config"
	"github.com/pushmesh/connector/connector"
	"github.com/pushmesh/connector/directory"
	"github.com/pushmesh/connector/events"
	"github.com/pushmesh/connector/ratelimit"
	"github.com/pushmesh/connector/server/health"
	"github.com/pushmesh/connector/server/otel"
	"github.com/pushmesh/connector/server/tcp"
	"github.com/pushmesh/connector/server/websocket"
	"github.com/pushmesh/connector/storage"
	"github.com/pushmesh/connector/storage/badger"
	"github.com/pushmesh/connector/storage/memory"
	"github.com/pushmesh/connector/webhook"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	connectorID := uuid.New().String()

	slog.Info("Starting push connector", "connector_id", connectorID)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCPAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"exchange", cfg.Broker.Exchange,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	// Initialize OpenTelemetry metrics
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		otelShutdown, err := otel.InitProvider(cfg.Server, connectorID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("OpenTelemetry shutdown failed", "error", err)
			}
		}()

		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	// Initialize storage backend
	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir: cfg.Storage.BadgerDir,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	// Connection directory and delivery-tag dedup
	dir := directory.New(directory.Config{
		LivenessTimeout: cfg.Directory.LivenessTimeout,
		SweepInterval:   cfg.Directory.SweepInterval,
		Logger:          logger,
	})
	defer dir.Close()

	tags := connector.NewTagSet(cfg.Dedup.Window, cfg.Dedup.SweepInterval)
	defer tags.Close()

	stats := connector.NewStats()

	// Webhook notifier
	var notifier events.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, connectorID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		notifier = n
		defer notifier.Close()
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	// Directory lifecycle events
	dir.SetOnRegister(func(clientID string, conn directory.Conn) {
		transport := "tcp"
		if addr := conn.RemoteAddr(); addr != nil {
			transport = addr.Network()
		}
		if metrics != nil {
			metrics.RecordClientRegistered(transport)
		}
		if notifier != nil {
			remote := ""
			if addr := conn.RemoteAddr(); addr != nil {
				remote = addr.String()
			}
			_ = notifier.Notify(context.Background(), events.ClientConnected{
				ClientID:   clientID,
				Transport:  transport,
				RemoteAddr: remote,
			})
		}
	})
	dir.SetOnUnregister(func(clientID string, conn directory.Conn) {
		transport := "tcp"
		if addr := conn.RemoteAddr(); addr != nil {
			transport = addr.Network()
		}
		if metrics != nil {
			metrics.RecordClientGone(transport)
		}
	})
	dir.SetOnEvict(func(clientID string, conn directory.Conn) {
		transport := "tcp"
		if addr := conn.RemoteAddr(); addr != nil {
			transport = addr.Network()
		}
		if metrics != nil {
			metrics.RecordClientGone(transport)
		}
		if notifier != nil {
			_ = notifier.Notify(context.Background(), events.ClientEvicted{
				ClientID: clientID,
				LastSeen: time.Now().UTC().Format(time.RFC3339),
			})
		}
	})

	// AMQP broker client
	opts := amqp.NewOptions().
		SetAddress(cfg.Broker.Address).
		SetVhost(cfg.Broker.Vhost).
		SetDialTimeout(cfg.Broker.DialTimeout).
		SetHeartbeat(cfg.Broker.Heartbeat).
		SetPrefetch(cfg.Broker.Prefetch, 0)
	if cfg.Broker.Username != "" {
		opts.SetCredentials(cfg.Broker.Username, cfg.Broker.Password)
	}
	if cfg.Broker.URL != "" {
		opts.SetURL(cfg.Broker.URL)
	}

	broker, err := amqp.New(opts)
	if err != nil {
		slog.Error("Failed to create broker client", "error", err)
		os.Exit(1)
	}
	if err := broker.Connect(); err != nil {
		slog.Error("Failed to connect to broker", "error", err, "address", cfg.Broker.Address)
		os.Exit(1)
	}
	defer broker.Close()
	slog.Info("Connected to broker", "address", cfg.Broker.Address, "exchange", cfg.Broker.Exchange)

	// Core pipeline: ingress -> dispatcher -> directory, with the retry
	// scheduler reconciling through the store.
	dispatcher := connector.NewDispatcher(dir, logger, stats)
	proto := connector.NewProtocol(dir, store, logger, stats)
	scheduler := connector.NewRetryScheduler(connector.RetryConfig{
		Interval:    cfg.Retry.Interval,
		Window:      cfg.Retry.Window,
		ResendRate:  cfg.Retry.ResendRate,
		ResendBurst: cfg.Retry.ResendBurst,
		PruneEvery:  cfg.Retry.PruneEvery,
	}, store, dir, logger, stats)
	ingress := connector.NewIngress(connector.IngressConfig{
		DeadLetterExchange:       cfg.Broker.DeadLetterExchange,
		MaxMalformedRedeliveries: cfg.Broker.MaxMalformedRedeliveries,
	}, tags, dispatcher, store, broker, logger, stats)

	if notifier != nil {
		dispatcher.SetNotifier(notifier)
		scheduler.SetNotifier(notifier)
		ingress.SetNotifier(notifier)
	}
	if metrics != nil {
		dispatcher.SetMetrics(metrics)
		proto.SetMetrics(metrics)
		scheduler.SetMetrics(metrics)
		ingress.SetMetrics(metrics)
	}

	if err := broker.SubscribeFanout(cfg.Broker.Exchange, ingress.Handle); err != nil {
		slog.Error("Failed to subscribe to fanout exchange", "error", err, "exchange", cfg.Broker.Exchange)
		os.Exit(1)
	}

	// Rate limiting
	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 10)

	// Retry scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	// TLS for the TCP listener
	var tlsConfig *tls.Config
	if cfg.Server.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			slog.Error("Failed to load TLS key pair", "error", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// Start TCP server (always enabled)
	tcpCfg := tcp.Config{
		Address:         cfg.Server.TCPAddr,
		TLSConfig:       tlsConfig,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxConnections:  cfg.Server.TCPMaxConn,
		MaxFrameSize:    cfg.Server.MaxFrameSize,
	}
	tcpServer := tcp.New(tcpCfg, proto, dir)
	tcpServer.SetConnLimiter(limiter)
	tcpServer.SetFrameLimiter(limiter)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr, "tls", cfg.Server.TLSEnabled)
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	// Start WebSocket server if enabled
	if cfg.Server.WSEnabled {
		wsCfg := websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			IdleTimeout:     cfg.Server.IdleTimeout,
		}
		wsServer := websocket.New(wsCfg, proto, dir, logger)
		wsServer.SetConnLimiter(limiter)
		wsServer.SetFrameLimiter(limiter)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	// Start health check server if enabled
	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, broker, dir, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Push connector started successfully")

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	// Wait for all servers and the scheduler to stop
	wg.Wait()
	slog.Info("Push connector stopped")
}
