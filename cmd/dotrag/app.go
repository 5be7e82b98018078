package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/conversation"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/metrics"
	"github.com/dotsetgreg/dotrag/pkg/persist"
	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/router"
)

// app holds the wired engine and everything that must be closed with it.
type app struct {
	cfg       *config.Config
	engine    *conversation.Engine
	collector *metrics.Collector
	snapshots persist.SnapshotStore
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config, debug bool) error {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return logger.Configure(logger.Options{Level: level, Format: cfg.Logging.Format})
}

// newApp wires retrieval, generation, routing, persistence and metrics into
// an engine.
func newApp(cfg *config.Config) (*app, error) {
	retriever, err := retrieval.New(cfg.Retrieval)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	generator, err := providers.CreateGenerator(cfg.Generation)
	switch {
	case errors.Is(err, providers.ErrNoProvider):
		generator = nil
		logger.InfoC("providers", "Generation disabled, answers are composed from retrieved sources")
	case err != nil:
		return nil, fmt.Errorf("generation: %w", err)
	}

	rt := router.New(routerConfig(cfg.Router), buildAnalyzer(cfg.Router, generator))

	snapshots, err := persist.Open(cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}

	collector := metrics.NewCollector(cfg.Metrics, nil)
	store := conversation.NewStoreFromConfig(cfg, snapshots)
	engine := conversation.NewEngine(cfg, store, rt, retriever, generator, collector)

	logger.InfoCF("app", "Engine ready", map[string]any{
		"retrieval":    cfg.Retrieval.Backend,
		"generation":   providers.NormalizeProviderName(cfg.Generation.Provider),
		"analyzer":     cfg.Router.Analyzer,
		"persistence":  cfg.Persistence.Backend,
		"metrics":      collector != nil,
		"idle_timeout": cfg.IdleTimeout().String(),
	})
	return &app{cfg: cfg, engine: engine, collector: collector, snapshots: snapshots}, nil
}

func (a *app) Close() error {
	if a.snapshots == nil {
		return nil
	}
	return a.snapshots.Close()
}

func routerConfig(rc config.RouterConfig) router.Config {
	return router.Config{
		ClarifyFloor:      rc.ClarifyFloor,
		FollowUpThreshold: rc.FollowUpThreshold,
		AnalyzerTimeout:   config.Millis(rc.AnalyzerTimeoutMS),
		HistoryTurns:      rc.HistoryTurns,
		MaxSubQueries:     rc.MaxSubQueries,
	}
}

// buildAnalyzer returns nil for the pattern analyzer, which router.New
// installs by default.
func buildAnalyzer(rc config.RouterConfig, generator providers.Generator) router.QueryAnalyzer {
	if strings.ToLower(strings.TrimSpace(rc.Analyzer)) != "generation" || generator == nil {
		return nil
	}
	primary := router.NewGenerationAssistedAnalyzer(generator, rc.HistoryTurns)
	return router.NewFallbackAnalyzer(primary, config.Millis(rc.AnalyzerTimeoutMS))
}
