package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iamveene/tsushin/internal/config"
	"github.com/iamveene/tsushin/internal/dispatch"
	"github.com/iamveene/tsushin/internal/source"
	"github.com/iamveene/tsushin/internal/store"
	"github.com/iamveene/tsushin/internal/store/pg"
	"github.com/iamveene/tsushin/internal/store/sqlite"
	"github.com/iamveene/tsushin/internal/telemetry"
	"github.com/iamveene/tsushin/internal/trigger"
	"github.com/iamveene/tsushin/internal/watcher"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the message watcher (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runWatch()
		},
	}
}

func runWatch() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open trigger-state store", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	src, cleanup, err := buildSource(ctx, cfg)
	if err != nil {
		slog.Error("failed to build message source", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	client := dispatch.NewClient(cfg.Dispatch.URL, cfg.DispatchTimeout())

	w := watcher.New(src, buildPolicy(cfg, stores), stores.Cache, client.Dispatch, watcher.Options{
		PollInterval:      cfg.PollInterval(),
		SettleDelay:       cfg.SettleDelay(),
		ConversationDelay: cfg.ConversationDelay(),
		StartingTimestamp: cfg.Watcher.StartingTimestamp,
		BatchLimit:        cfg.Watcher.BatchLimit,
	})

	if err := w.Start(ctx); err != nil {
		slog.Error("watcher failed to start", "error", err)
		os.Exit(1)
	}

	// Hot-reload trigger rules on config file changes. Source and store
	// selection still require a restart.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			w.ReloadFilter(buildPolicy(next, stores))
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watch stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	cancel()
	w.Stop()
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		slog.Info("trigger state: postgres (managed mode)")
		return pg.Open(cfg.Database.PostgresDSN)
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	slog.Info("trigger state: sqlite (standalone mode)", "path", path)
	return sqlite.Open(path)
}

func buildSource(ctx context.Context, cfg *config.Config) (source.Source, func(), error) {
	names := source.NewNameResolver(cfg.Contacts)

	switch cfg.Source.Kind {
	case "api":
		return source.NewAPISource(cfg.Source.APIURL, cfg.Source.APIToken, names), nil, nil
	case "bridge":
		br := source.NewBridgeSource(cfg.Source.BridgeWSURL, names)
		br.Start(ctx)
		return br, br.Stop, nil
	default:
		src, err := source.NewStoreSource(config.ExpandHome(cfg.Source.StorePath), names)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}
}

func buildPolicy(cfg *config.Config, stores *store.Stores) *trigger.Policy {
	rules := trigger.NewRules(cfg.Trigger.Groups, cfg.Trigger.AllowList, cfg.Trigger.DMAutoMode)

	// Alias expansion consults the contact store so a sender's transport
	// ids and their phone number all count as the same identity.
	lookup := func(normalized string) []string {
		contact, err := stores.Contacts.IdentifyBySender(context.Background(), normalized)
		if err != nil || contact == nil {
			return nil
		}
		aliases := append([]string{contact.PhoneNumber}, contact.Aliases...)
		return aliases
	}
	return trigger.NewPolicy(rules, stores, trigger.NewResolver(lookup))
}
