package app

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coachpo/fieldcare/internal/infra/config"
	"github.com/coachpo/fieldcare/internal/infra/persistence/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the durable store schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations to the configured store",
	Long: `Apply migrations to the store selected by store.driver. SQLite uses the
embedded migration set; Postgres uses it too unless --path names a directory of
SQL files.`,
	Args: cobra.NoArgs,
	RunE: runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back the SQLite store by steps migrations (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMigrateDown,
}

func init() {
	migrateUpCmd.Flags().String("path", "", "Directory of Postgres SQL migrations (defaults to the embedded set)")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("migrate")

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if dir, _ := cmd.Flags().GetString("path"); dir != "" {
			return migrations.ApplyDir(ctx, cfg.Store.DSN, dir, log)
		}
		return migrations.ApplyPostgres(ctx, cfg.Store.DSN, log)
	default:
		if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
		return migrations.ApplySQLite(ctx, cfg.Store.SQLitePath(), log)
	}
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	steps := 1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid down steps %q: %w", args[0], err)
		}
		steps = n
	}

	ctx := cmd.Context()
	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Store.Driver != config.DriverSQLite {
		return fmt.Errorf("rollback is only supported for the %s driver", config.DriverSQLite)
	}
	return migrations.RollbackSQLite(ctx, cfg.Store.SQLitePath(), steps, logger.Named("migrate"))
}
