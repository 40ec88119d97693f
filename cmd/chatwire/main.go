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

	"chatwire/internal/config"
	"chatwire/internal/constants"
	"chatwire/internal/database"
	"chatwire/internal/features"
	"chatwire/internal/retry"
	"chatwire/internal/service"
	"chatwire/internal/tracing"
	"chatwire/pkg/feedapi"
	feedtypes "chatwire/pkg/feedapi/types"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatwire %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Local development convenience; a missing .env file is not an error
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment overrides from .env")
	}

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatwire")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	features.Initialize()

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled && features.IsEnabled(features.FlagDistributedTracing),
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Open the shared profile store with exponential backoff retry
	var db *database.Database
	backoffConfig := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	}
	backoff := retry.NewBackoff(backoffConfig)

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to open profile store: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to open profile store after retries: %w", err)
	}
	defer db.Close()

	client := feedapi.NewClientWithLogger(feedtypes.ClientConfig{
		BaseURL:               cfg.Backend.APIBaseURL,
		FeedURL:               cfg.Backend.FeedURL,
		APIKey:                cfg.Backend.APIKey,
		Timeout:               time.Duration(cfg.Backend.TimeoutSec) * time.Second,
		CircuitBreakerEnabled: features.IsEnabled(features.FlagCircuitBreaker),
	}, logger)

	if err := client.Ping(ctx); err != nil {
		logger.Warnf("Backend is not reachable yet: %v. Subscriptions will retry.", err)
	}

	// This process's identity on the deletion bus. Each daemon instance is
	// one session of the profile.
	sessionID := uuid.New().String()

	presence := service.NewPresenceCoordinatorWithTimings(db, client, cfg.Backend.UserID, service.PresenceTimings{
		HeartbeatInterval:  time.Duration(cfg.Presence.HeartbeatIntervalSec) * time.Second,
		LivenessInterval:   time.Duration(cfg.Presence.LivenessCheckSec) * time.Second,
		LivenessThreshold:  time.Duration(cfg.Presence.LivenessThresholdSec) * time.Second,
		PeerPollInterval:   time.Duration(cfg.Presence.PeerPollIntervalSec) * time.Second,
		VisibilityGrace:    time.Duration(cfg.Presence.VisibilityGraceSec) * time.Second,
		SessionStaleness:   time.Duration(cfg.Presence.SessionStalenessSec) * time.Second,
		PeerPollingEnabled: features.IsEnabled(features.FlagPeerPolling),
	}, logger)

	var bus *service.DeletionBus
	if features.IsEnabled(features.FlagDeletionBus) {
		bus = service.NewDeletionBusWithIntervals(db, sessionID,
			time.Duration(constants.DefaultBusPollIntervalSec)*time.Second,
			time.Duration(cfg.Store.BusRetentionSec)*time.Second,
			logger)
	} else {
		logger.Info("Deletion bus is disabled")
	}

	engine := service.NewEngine(client, service.SubscriberFromClient(client), presence, bus, db, service.EngineConfig{
		UserID:        cfg.Backend.UserID,
		PeerUserID:    cfg.Backend.PeerUserID,
		BackfillLimit: cfg.Store.BackfillLimit,
		TombstoneTTL:  time.Duration(cfg.Store.TombstoneTTLSec) * time.Second,
		MountBackoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Channel.MountBackoffBaseMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Channel.MountBackoffMaxMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  cfg.Channel.MountMaxAttempts,
		},
		SteadyRetry:      time.Duration(cfg.Channel.SteadyRetrySec) * time.Second,
		SessionStaleness: time.Duration(cfg.Presence.SessionStalenessSec) * time.Second,
	}, logger)

	ctxWithVerbose := context.WithValue(ctx, service.VerboseContextKey, *verbose)
	engine.Start(ctxWithVerbose)

	server := NewServer(cfg.Server, engine, client, logger, *verbose)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case serverErr = <-serverErrCh:
		logger.Error(serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	// Engine first so peers observe a clean offline before the API goes away
	engine.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	if serverErr != nil {
		return serverErr
	}

	logger.Info("Shutdown completed")
	return nil
}
