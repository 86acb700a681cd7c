package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/iamveene/tsushin/internal/config"
)

var migrationsDir string

// openMigrator resolves the Postgres DSN and the migrations directory
// and returns a ready migrator. The DSN is a secret and comes from
// TSUSHIN_POSTGRES_DSN only, never from the config file.
func openMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("TSUSHIN_POSTGRES_DSN is not set; schema migrations apply to managed mode only")
	}

	dir := migrationsDir
	if dir == "" {
		dir = os.Getenv("TSUSHIN_MIGRATIONS_DIR")
	}
	if dir == "" {
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Join(filepath.Dir(exe), "migrations")
		} else {
			dir = "migrations"
		}
	}

	m, err := migrate.New("file://"+dir, cfg.Database.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open migrations at %s: %w", dir, err)
	}
	return m, nil
}

// reportVersion logs the schema state after a successful operation.
func reportVersion(m *migrate.Migrate, action string) {
	v, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		slog.Info(action, "version", "none")
		return
	}
	if err != nil {
		slog.Warn(action+", version unreadable", "error", err)
		return
	}
	slog.Info(action, "version", v, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the managed-mode Postgres schema",
		Long: `Apply, roll back or inspect the Postgres schema used in managed
database mode. Standalone (SQLite) mode needs no migrations; its schema
is created on first open.`,
	}

	cmd.PersistentFlags().StringVar(&migrationsDir, "dir", "",
		"migrations directory (default: <executable dir>/migrations, or $TSUSHIN_MIGRATIONS_DIR)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(*cobra.Command, []string) error {
				m, err := openMigrator()
				if err != nil {
					return err
				}
				defer m.Close()
				if err := m.Up(); err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("migrate up: %w", err)
				}
				reportVersion(m, "schema up to date")
				return nil
			},
		},
		migrateDownCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(*cobra.Command, []string) error {
				m, err := openMigrator()
				if err != nil {
					return err
				}
				defer m.Close()
				v, dirty, err := m.Version()
				if err == migrate.ErrNilVersion {
					fmt.Println("no migrations applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("read version: %w", err)
				}
				fmt.Printf("version %d (dirty: %v)\n", v, dirty)
				return nil
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Overwrite the recorded version after a failed migration",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				m, err := openMigrator()
				if err != nil {
					return err
				}
				defer m.Close()
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				reportVersion(m, "version forced")
				return nil
			},
		},
	)

	return cmd
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(*cobra.Command, []string) error {
			m, err := openMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			if steps <= 0 {
				steps = 1
			}
			if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
				return fmt.Errorf("migrate down: %w", err)
			}
			reportVersion(m, "rolled back")
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "how many migrations to undo")
	return cmd
}
