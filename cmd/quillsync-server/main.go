// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/quillsync/go-quillsync/internal/config"
	"github.com/quillsync/go-quillsync/quillsync"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "quillsync-server",
		Short:   "Sync server for the Quillsync note-taking apps",
		Long:    `HTTP sync backend: push/pull exchange, per-entity versioning, conflict resolution, device registry and sync history, backed by PostgreSQL.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString())
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("database ping failed: %w", err)
			}

			logger := slog.Default()
			service, err := quillsync.NewSyncService(pool, &quillsync.ServiceConfig{
				AppName:             "quillsync-server",
				MaxPushBatchSize:    cfg.Sync.MaxPushBatchSize,
				MaxPayloadBytes:     cfg.Sync.MaxPayloadBytes,
				DefaultHistoryLimit: cfg.Sync.DefaultHistoryLimit,
				MaxHistoryLimit:     cfg.Sync.MaxHistoryLimit,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create sync service: %w", err)
			}
			defer service.Close()

			jwtAuth := quillsync.NewJWTAuth(cfg.Auth.JWTSecret)
			handlers := quillsync.NewHTTPSyncHandlers(service, jwtAuth, logger)

			mux := http.NewServeMux()
			handlers.RegisterRoutes(mux)
			mux.HandleFunc("/healthz", handlers.HandleHealthz)

			srv := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: mux,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server listening", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if err := quillsync.Migrate(ctx, cfg.Database.ConnectionString()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Migrations completed successfully.")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var owner, deviceID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device JWT for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if owner == "" || deviceID == "" {
				return fmt.Errorf("--owner and --device are required")
			}

			jwtAuth := quillsync.NewJWTAuth(cfg.Auth.JWTSecret)
			token, err := jwtAuth.GenerateToken(owner, deviceID, cfg.Auth.TokenTTL)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner (user id) for the sub claim")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id for the did claim")
	return cmd
}
