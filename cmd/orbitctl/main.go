// Command orbitctl runs operator maintenance tasks against the Orbit database.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"orbit/api/internal/config"
	"orbit/api/internal/logging"
	"orbit/api/internal/search"
	"orbit/api/internal/store"
	"orbit/api/internal/sweeper"
)

var (
	version = "dev"

	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "orbitctl",
	Short:         "Maintenance tasks for the Orbit API",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, _ config.Config, db *sql.DB, logger *slog.Logger) error {
			if err := store.ApplyMigrations(ctx, db); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		})
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the Meilisearch user index from PostgreSQL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger) error {
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
			defer meili.Close()
			if !meili.Healthy() {
				return fmt.Errorf("meilisearch at %s is not healthy", cfg.MeiliURL)
			}
			n, err := search.NewService(meili, search.NewPgUsers(db), logger).ReindexAllFromPG(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d users\n", n)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep-typing",
	Short: "Delete expired typing indicators once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger) error {
			sweep, err := sweeper.New(store.NewPostgresStore(db), cfg.TypingSweepCron, logger)
			if err != nil {
				return err
			}
			n, err := sweep.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d typing indicators\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the command")
	rootCmd.AddCommand(migrateCmd, reindexCmd, sweepCmd)
}

func withDB(parent context.Context, fn func(context.Context, config.Config, *sql.DB, *slog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, cfg, db, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
