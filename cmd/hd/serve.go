package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/huddle/internal/backup"
	"github.com/alfredjeanlab/huddle/internal/comments"
	"github.com/alfredjeanlab/huddle/internal/config"
	"github.com/alfredjeanlab/huddle/internal/events"
	"github.com/alfredjeanlab/huddle/internal/idgen"
	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/presence"
	"github.com/alfredjeanlab/huddle/internal/server"
	"github.com/alfredjeanlab/huddle/internal/store"
	"github.com/alfredjeanlab/huddle/internal/store/memory"
	"github.com/alfredjeanlab/huddle/internal/store/pebblestore"
	"github.com/alfredjeanlab/huddle/internal/store/postgres"
)

var logLevel string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the huddle HTTP and gRPC server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create a client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
		slog.SetDefault(logger)

		st, db, err := openStore(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		nodeID := idgen.MustGenerate(idgen.NodePrefix)
		relay, err := openRelay(ctx, cfg, db, nodeID)
		if err != nil {
			st.Close()
			return err
		}
		hub := events.NewHub(events.HubConfig{NodeID: nodeID, QueueSize: cfg.SubscriberQueue, Relay: relay})
		registry := presence.New(presence.Config{
			StaleTimeout:  cfg.StaleTimeout,
			SweepInterval: cfg.SweepInterval,
			Publisher:     hub,
		})
		hub.OnRemote(registry.ApplyRemote)
		hub.Start(ctx)
		registry.StartSweeper()
		metrics.RegisterPresenceGauge(registry.Count)

		srv := server.New(server.Options{
			Presence: registry,
			Comments: comments.New(comments.Config{
				Store:     st,
				Publisher: hub,
				MaxLength: cfg.MaxCommentLength,
			}),
			Bus:               hub,
			Identity:          server.NewIdentityResolver(cfg.JWTSecret),
			AuthToken:         cfg.AuthToken,
			PresenceRate:      cfg.PresenceRate,
			PresenceBurst:     cfg.PresenceBurst,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})

		var grpcServer interface{ GracefulStop() }
		if cfg.GRPCAddr != "" {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				registry.Stop()
				hub.Close()
				st.Close()
				return err
			}
			gs := srv.NewGRPCServer()
			grpcServer = gs
			go func() {
				logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
				if err := gs.Serve(lis); err != nil {
					logger.Error("gRPC server error", "err", err)
				}
			}()
		}

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
				stop()
			}
		}()

		scheduler := startBackup(ctx, cfg, st, logger)

		logger.Info("huddle server started",
			"node", nodeID,
			"http_addr", cfg.HTTPAddr,
			"grpc_addr", cfg.GRPCAddr,
			"relay", cfg.Relay,
			"stale_timeout", cfg.StaleTimeout,
			"heartbeat_interval", cfg.HeartbeatInterval,
		)

		<-ctx.Done()
		logger.Info("shutting down")

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("backup scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Streams stay open until the hub closes, so close it first.
		if err := hub.Close(); err != nil {
			logger.Error("error closing event hub", "err", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
			logger.Info("gRPC server stopped")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		registry.Stop()
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error); overrides HUDDLE_LOG_LEVEL")
}

// openStore picks the comment store: Postgres when a database URL is set,
// Pebble when a path is set, otherwise a non-durable in-memory store. The
// *sql.DB is returned for the Postgres NOTIFY relay and is nil otherwise.
func openStore(cfg *config.Config) (store.Store, *sql.DB, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("comment store: postgres")
		return pg, pg.DB(), nil
	case cfg.PebblePath != "":
		pb, err := pebblestore.New(cfg.PebblePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("comment store: pebble", "path", cfg.PebblePath)
		return pb, nil, nil
	default:
		slog.Warn("comment store: in-memory (comments are lost on restart)")
		return memory.New(), nil, nil
	}
}

// openRelay connects the cross-replica relay named by cfg.Relay. A
// single-replica deployment gets a NoopRelay.
func openRelay(ctx context.Context, cfg *config.Config, db *sql.DB, nodeID string) (events.Relay, error) {
	switch cfg.Relay {
	case config.RelayNATS:
		return events.NewNATSRelay(cfg.NATSURL)
	case config.RelayRedis:
		return events.NewRedisRelay(ctx, cfg.RedisURL)
	case config.RelayKafka:
		return events.NewKafkaRelay(cfg.KafkaBrokers, cfg.KafkaTopic, nodeID), nil
	case config.RelayPG:
		if db == nil {
			return nil, fmt.Errorf("relay pg needs the postgres store")
		}
		return events.NewPGRelay(db, cfg.DatabaseURL), nil
	default:
		return events.NoopRelay{}, nil
	}
}

// startBackup starts the comment backup scheduler when a bucket is set.
func startBackup(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) *backup.Scheduler {
	if cfg.BackupBucket == "" {
		return nil
	}
	var schedule backup.Schedule
	switch {
	case cfg.BackupCron != "":
		c, err := backup.ParseCron(cfg.BackupCron)
		if err != nil {
			logger.Error("backup disabled", "err", err)
			return nil
		}
		schedule = c
	case cfg.BackupInterval > 0:
		schedule = backup.Every(cfg.BackupInterval)
	default:
		return nil
	}

	dest, err := backup.NewS3Destination(ctx, cfg.BackupBucket, cfg.BackupPrefix, cfg.BackupRegion, cfg.BackupEndpoint)
	if err != nil {
		logger.Error("failed to create S3 backup destination", "err", err)
		return nil
	}
	scheduler := backup.NewScheduler(st, []backup.Destination{dest}, schedule, logger)
	scheduler.Start()
	logger.Info("backup scheduler started", "bucket", cfg.BackupBucket, "key", backup.ObjectKey(cfg.BackupPrefix))
	return scheduler
}
