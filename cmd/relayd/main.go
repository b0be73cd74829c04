package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tenzoki/relay/internal/adapter"
	"github.com/tenzoki/relay/internal/binding"
	"github.com/tenzoki/relay/internal/config"
	"github.com/tenzoki/relay/internal/index"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/receiver"
	"github.com/tenzoki/relay/internal/relaycore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - hierarchical subject-based message relay",
	Long: `relayd routes durably-persisted, budget-bounded messages between
human-facing adapters (Telegram, webhooks, the Claude Code CLI) and
agent sessions, keyed by hierarchical dotted subjects with wildcard
subscription matching.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "./relay.yaml", "Path to the relay configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Force JSON log output regardless of configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adaptersCmd)
}

// loadedConfig resolves --config into a validated Config, applying any
// --log-level/--log-json overrides from the command line.
func loadedConfig(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.Logging.JSON = true
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: pub/sub core, adapters, binding router, message receiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logging.Init(logging.Config{
			Level:      logging.Level(cfg.Logging.Level),
			JSONOutput: cfg.Logging.JSON,
		})
		log := logging.For("relayd")

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		idx, err := index.Open(filepath.Join(cfg.DataDir, "relay.db"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()

		relayOpts := relaycore.DefaultOptions(cfg.DataDir)
		relayOpts.RateLimit = toRateLimitConfig(cfg.RateLimit)
		relayOpts.Breaker = toBreakerConfig(cfg.Breaker)
		relayOpts.Backpressure = toBackpressureConfig(cfg.Backpressure)
		relayOpts.AccessRules = toAccessRules(cfg.AccessRules)
		relayOpts.MaxHops = cfg.MaxHops
		relayOpts.DefaultTTLMs = cfg.DefaultTTLMs
		relayOpts.DefaultCallBudget = cfg.DefaultCallBudget

		relay := relaycore.New(relayOpts, idx)
		if err := relay.Start(); err != nil {
			return fmt.Errorf("start relay core: %w", err)
		}
		defer relay.Shutdown()

		// The Binding Router and Message Receiver must subscribe before any
		// adapter starts publishing: relaycore's lazy endpoint creation only
		// auto-registers a durable mailbox for a subject that already has a
		// matching wildcard subscriber at publish time.
		bindingsDir := cfg.BindingsConfigDir
		if bindingsDir == "" {
			bindingsDir = filepath.Join(cfg.DataDir, "bindings")
		}
		if err := os.MkdirAll(bindingsDir, 0o700); err != nil {
			return fmt.Errorf("create bindings dir: %w", err)
		}

		store := binding.NewStore(bindingsDir)
		if err := store.Load(); err != nil {
			return fmt.Errorf("load bindings: %w", err)
		}
		sessions := binding.NewSessionMap(bindingsDir)
		if err := sessions.Load(); err != nil {
			return fmt.Errorf("load session map: %w", err)
		}

		runtime := &stubAgentRuntime{}
		router := binding.NewRouter(store, sessions, runtime, relay)
		if err := router.Start(); err != nil {
			return fmt.Errorf("start binding router: %w", err)
		}
		defer router.Stop()

		recv := receiver.New(relay, idx, runtime, runtime, stubPulseUpdater{}, "")
		if err := recv.Start(); err != nil {
			return fmt.Errorf("start message receiver: %w", err)
		}
		defer recv.Stop()

		adaptersDir := cfg.AdaptersConfigDir
		if adaptersDir == "" {
			adaptersDir = filepath.Join(cfg.DataDir, "adapters")
		}
		adapterMgr := adapter.NewManager(adaptersDir, &relayPublisher{relay: relay}, nil)
		adapterMgr.SetOrphanScanner(store)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := adapterMgr.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize adapter manager: %w", err)
		}
		defer adapterMgr.Shutdown(context.Background())

		log.Info().Str("data_dir", cfg.DataDir).Msg("relayd started")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("relayd shutting down")
		return nil
	},
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "Inspect configured adapters",
}

func init() {
	adaptersCmd.AddCommand(adaptersListCmd)
}

var adaptersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured adapters and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logging.Init(logging.Config{Level: logging.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})

		adaptersDir := cfg.AdaptersConfigDir
		if adaptersDir == "" {
			adaptersDir = filepath.Join(cfg.DataDir, "adapters")
		}

		idx, err := index.Open(filepath.Join(cfg.DataDir, "relay.db"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		relay := relaycore.New(relaycore.DefaultOptions(cfg.DataDir), idx)

		mgr := adapter.NewManager(adaptersDir, &relayPublisher{relay: relay}, nil)
		ctx := context.Background()
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize adapter manager: %w", err)
		}
		defer mgr.Shutdown(ctx)

		for _, view := range mgr.ListAdapters() {
			fmt.Printf("%-20s %-12s enabled=%-5v status=%s\n", view.Config.ID, view.Config.Type, view.Config.Enabled, view.Status.State)
		}
		return nil
	},
}

// relayPublisher adapts *relaycore.Relay to adapter.Publisher's narrower
// (subject, payload, from) -> (messageID, error) shape.
type relayPublisher struct {
	relay *relaycore.Relay
}

func (p *relayPublisher) Publish(subject string, payload interface{}, from string) (string, error) {
	result, err := p.relay.Publish(subject, payload, relaycore.PublishOpts{From: from})
	if err != nil {
		return "", err
	}
	return result.MessageID, nil
}
