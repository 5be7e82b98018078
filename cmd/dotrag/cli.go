package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotrag/pkg/bus"
	"github.com/dotsetgreg/dotrag/pkg/channels"
	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/conversation"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Retrieval-augmented conversational assistant",
		Long: strings.TrimSpace(`dotrag runs multi-turn conversations over a knowledge base.

Each message is analyzed, routed (direct answer, retrieval, decomposition,
held context or clarification) and answered with tiered conversation memory.
Run it as a local chat, an HTTP service, or a Discord gateway.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprint(cmd.OutOrStdout(), versionText())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Config file (JSON or YAML)")

	cfgPath := func() string { return configPath }
	root.AddCommand(newInitCommand(cfgPath))
	root.AddCommand(newChatCommand(cfgPath))
	root.AddCommand(newServeCommand(cfgPath))
	root.AddCommand(newGatewayCommand(cfgPath))
	root.AddCommand(newIndexCommand(cfgPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newInitCommand(configPath func() string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default configuration file",
		Long:    "Write the default configuration to --config. An existing file is kept unless --force is given.",
		Example: "  dotrag init\n  dotrag init --config ./dotrag.json --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ExpandHome(configPath())
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", path)
				return nil
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func newChatCommand(configPath func() string) *cobra.Command {
	var (
		message string
		thread  string
		user    string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the engine from the terminal",
		Long:  "Run an interactive conversation, or send a one-shot message with --message.",
		Example: strings.Join([]string{
			"  dotrag chat",
			"  dotrag chat --thread cli:incidents",
			"  dotrag chat --message \"how many incidents are open?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			if err := configureLogging(cfg, debug); err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			s := &chatSession{engine: a.engine, thread: thread, user: user, out: cmd.OutOrStdout(), debug: debug}
			if strings.TrimSpace(message) != "" {
				return s.send(cmd.Context(), message)
			}
			return s.interactive(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&thread, "thread", "t", "cli:default", "Thread key for continuity")
	cmd.Flags().StringVarP(&user, "user", "u", "cli", "User id recorded on the conversation")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging and turn metadata")
	return cmd
}

func newServeCommand(configPath func() string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP",
		Long: strings.TrimSpace(`Serve the conversation API, health and Prometheus metrics:

  POST /v1/threads/{threadID}/messages
  GET  /v1/threads/{threadID}
  GET  /v1/conversations/{conversationID}
  GET  /health
  GET  /metrics`),
		Example: "  dotrag serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			if err := configureLogging(cfg, debug); err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			startSweeper(ctx, a)
			return serveHTTP(ctx, server.New(cfg.Server, a.engine, a.collector))
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newGatewayCommand(configPath func() string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the chat channel gateway + HTTP server",
		Long:    "Start the enabled chat channels, the dispatcher worker pool, the idle sweeper and the HTTP server.",
		Example: "  dotrag gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			if err := configureLogging(cfg, debug); err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return runGateway(cmd.Context(), a)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newIndexCommand(configPath func() string) *cobra.Command {
	var corpus string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index a JSONL corpus into Qdrant",
		Long: strings.TrimSpace(`Embed every document of a JSONL corpus and upsert it into the configured
Qdrant collection. Each line is {"id", "content", "source_id", "title", "metadata"}.`),
		Example: "  dotrag index --corpus ./docs.jsonl",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			if err := configureLogging(cfg, false); err != nil {
				return err
			}
			path := corpus
			if strings.TrimSpace(path) == "" {
				path = cfg.Retrieval.CorpusPath
			}
			docs, err := retrieval.LoadCorpus(config.ExpandHome(path))
			if err != nil {
				return err
			}

			q, err := retrieval.NewQdrantRetriever(cfg.Retrieval.Qdrant, retrieval.NewEmbedder(retrieval.ChargramModel))
			if err != nil {
				return err
			}
			defer q.Close()

			if err := q.Index(cmd.Context(), docs); err != nil {
				return fmt.Errorf("index corpus: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d documents into %s\n", len(docs), cfg.Retrieval.Qdrant.Collection)
			return nil
		},
	}
	cmd.Flags().StringVar(&corpus, "corpus", "", "Corpus path (defaults to retrieval.corpus_path)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotrag version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), versionText())
			return nil
		},
	}
}

// startSweeper expires idle conversations on the configured schedule until
// ctx is done. An empty schedule leaves expiry to message arrival.
func startSweeper(ctx context.Context, a *app) {
	schedule := strings.TrimSpace(a.cfg.Conversation.SweepSchedule)
	if schedule == "" {
		return
	}
	go func() {
		if err := a.engine.RunSweeper(ctx, schedule); err != nil {
			logger.ErrorCF("conversation", "Idle sweeper stopped", map[string]any{"error": err.Error()})
		}
	}()
}

// serveHTTP runs srv until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, srv *server.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func runGateway(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgBus := bus.NewMessageBus(bus.WithBuffer(a.cfg.Conversation.QueueDepth))
	defer msgBus.Close()

	manager, err := channels.NewManager(a.cfg.Channels, msgBus)
	if err != nil {
		return err
	}
	if err := manager.StartAll(ctx); err != nil {
		if errors.Is(err, channels.ErrNoChannels) {
			return fmt.Errorf("%w: set channels.discord.enabled in the config", err)
		}
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.StopAll(stopCtx); err != nil {
			logger.WarnCF("gateway", "Channel shutdown failed", map[string]any{"error": err.Error()})
		}
	}()

	dispatcher := conversation.NewDispatcher(a.engine, a.cfg.Conversation.Workers, a.cfg.Conversation.QueueDepth)
	defer dispatcher.Close()
	go func() {
		if err := dispatcher.Serve(ctx, msgBus); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("gateway", "Dispatcher stopped", map[string]any{"error": err.Error()})
		}
	}()

	startSweeper(ctx, a)

	logger.InfoCF("gateway", "Gateway started", map[string]any{
		"channels": manager.Enabled(),
		"workers":  a.cfg.Conversation.Workers,
	})
	err = serveHTTP(ctx, server.New(a.cfg.Server, a.engine, a.collector))
	logger.InfoC("gateway", "Gateway stopping")
	return err
}
