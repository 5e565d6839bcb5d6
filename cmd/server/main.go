// Package main is the entry point for the vault ledger service.
//
// The serve command restores the ledger from ledger.db and runs the background
// jobs, the rate feed and the operations listener until interrupted. The other
// commands open the same databases for one-off administration and must not run
// while a server is using them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/vaultledger/internal/config"
	"github.com/aristath/vaultledger/internal/di"
	"github.com/aristath/vaultledger/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "vaultledger",
	Short:         "Yield-bearing escrow and multi-strategy vault ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger with its background jobs",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the solvency and accounting invariants of the stored ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withContainer(cmd.Context(), func(c *di.Container, log zerolog.Logger) error {
			if err := c.Ledger.CheckInvariants(); err != nil {
				return err
			}
			log.Info().Msg("All invariants hold")
			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a backup of both databases now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withContainer(cmd.Context(), func(c *di.Container, log zerolog.Logger) error {
			if c.Backup == nil {
				return fmt.Errorf("backups are not configured (set BACKUP_S3_BUCKET)")
			}
			key, err := c.Backup.CreateAndUpload(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Str("key", key).Msg("Backup uploaded")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, checkCmd, backupCmd, newAdminCmd())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, logger.New(logger.Config{Level: "info", Pretty: true}), err
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	return cfg, log, nil
}

// withContainer wires the ledger, runs fn and shuts everything down again
func withContainer(ctx context.Context, fn func(c *di.Container, log zerolog.Logger) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	return fn(container, log)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting vault ledger")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to wire dependencies: %w", err)
	}

	if err := container.Ledger.CheckInvariants(); err != nil {
		log.Error().Err(err).Msg("Restored ledger violates invariants")
	}

	container.Start(ctx, log)
	if cfg.MetricsAddr != "" {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Operations listener started")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
		return err
	}

	log.Info().Msg("Vault ledger stopped")
	return nil
}
