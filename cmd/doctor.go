package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/iamveene/tsushin/internal/config"
	"github.com/iamveene/tsushin/internal/source"
	"github.com/iamveene/tsushin/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("tsushin doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Message source
	fmt.Println()
	fmt.Println("  Source:")
	fmt.Printf("    %-12s %s\n", "Kind:", cfg.Source.Kind)
	checkSource(ctx, cfg)

	// Trigger-state store
	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed (postgres)\n", "Mode:")
		checkPostgres(ctx, cfg.Database.PostgresDSN)
	} else {
		path := config.ExpandHome(cfg.Database.SQLitePath)
		fmt.Printf("    %-12s standalone (sqlite)\n", "Mode:")
		fmt.Printf("    %-12s %s", "Path:", path)
		if stores, err := sqlite.Open(path); err != nil {
			fmt.Printf(" (OPEN FAILED: %s)\n", err)
		} else {
			stores.Close()
			fmt.Println(" (OK)")
		}
		if cfg.Database.Mode == "managed" {
			fmt.Printf("    %-12s managed mode configured but TSUSHIN_POSTGRES_DSN is not set\n", "Warning:")
		}
	}

	// Trigger rules
	fmt.Println()
	fmt.Println("  Trigger:")
	fmt.Printf("    %-12s %d monitored\n", "Groups:", len(cfg.Trigger.Groups))
	fmt.Printf("    %-12s %d numbers\n", "Allow-list:", len(cfg.Trigger.AllowList))
	fmt.Printf("    %-12s %v\n", "DM auto:", cfg.Trigger.DMAutoMode)

	// Dispatch target
	fmt.Println()
	if cfg.Dispatch.URL == "" {
		fmt.Println("  Dispatch:   (dry-run, no agent endpoint configured)")
	} else {
		fmt.Printf("  Dispatch:   %s\n", cfg.Dispatch.URL)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSource(ctx context.Context, cfg *config.Config) {
	switch cfg.Source.Kind {
	case "api":
		fmt.Printf("    %-12s %s", "Endpoint:", cfg.Source.APIURL)
		src := source.NewAPISource(cfg.Source.APIURL, cfg.Source.APIToken, nil)
		if src.IsAvailable(ctx) {
			fmt.Println(" (REACHABLE)")
		} else {
			fmt.Println(" (UNREACHABLE)")
		}
	case "bridge":
		fmt.Printf("    %-12s %s (checked at runtime)\n", "Endpoint:", cfg.Source.BridgeWSURL)
	default:
		path := config.ExpandHome(cfg.Source.StorePath)
		fmt.Printf("    %-12s %s", "Store:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (NOT FOUND)")
			return
		}
		src, err := source.NewStoreSource(path, nil)
		if err != nil {
			fmt.Printf(" (OPEN FAILED: %s)\n", err)
			return
		}
		defer src.Close()
		ts, err := src.GetLatestTimestamp(ctx)
		if err != nil {
			fmt.Printf(" (QUERY FAILED: %s)\n", err)
			return
		}
		if ts == "" {
			fmt.Println(" (OK, empty)")
		} else {
			fmt.Printf(" (OK, latest %s)\n", ts)
		}
	}
}

func checkPostgres(ctx context.Context, dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Status:")

	var version uint
	var dirty bool
	row := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1")
	if err := row.Scan(&version, &dirty); err != nil {
		fmt.Printf("    %-12s not migrated (run: tsushin migrate up)\n", "Schema:")
	} else if dirty {
		fmt.Printf("    %-12s v%d (DIRTY — run: tsushin migrate force %d)\n", "Schema:", version, version-1)
	} else {
		fmt.Printf("    %-12s v%d\n", "Schema:", version)
	}
}
