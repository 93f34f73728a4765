package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calliope-chat/calliope/internal/api"
	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/config"
	"github.com/calliope-chat/calliope/internal/log"
	"github.com/calliope-chat/calliope/internal/model"
	"github.com/calliope-chat/calliope/internal/observability"
	"github.com/calliope-chat/calliope/internal/security"
	"github.com/calliope-chat/calliope/internal/tools"
)

var (
	serveAddr  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP chat service",
	Long: `Starts the stateless conversation server.

The server exposes POST /api/chat/stream for streamed conversation turns,
plus /health and /ready probes. Conversation state travels with the client;
stopping the server loses nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

// runServe wires the full service and blocks until shutdown.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: true})
	logger.Info("starting calliope", "version", AppVersion, "provider", cfg.Provider)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTel.Endpoint,
		Environment: cfg.OTel.Environment,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}
	logger.Info("tool registry ready", "tools", registry.Count())

	adapter, err := model.New(ctx, cfg, registry.Declarations(), logger)
	if err != nil {
		return fmt.Errorf("initializing model adapter: %w", err)
	}

	orch, err := chat.NewOrchestrator(adapter, registry, chat.Config{
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		MaxToolRounds:      cfg.MaxToolRounds,
		ToolTimeout:        cfg.ToolTimeout(),
		MaxConcurrentTools: cfg.MaxConcurrentTools,
		StreamIdleTimeout:  cfg.StreamIdleTimeout(),
		SummarizeThreshold: cfg.SummarizeThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	addr := cfg.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	ready := func(context.Context) error {
		if registry.Count() == 0 {
			return fmt.Errorf("no tools registered")
		}
		return nil
	}

	server := api.NewServer(orch, ready, logger)
	return server.Run(ctx, addr)
}

// buildRegistry assembles the built-in tool set.
func buildRegistry(cfg *config.Config, logger log.Logger) (*tools.Registry, error) {
	httpVal := security.NewHTTP()

	search, err := tools.NewSearchTool(tools.SearchConfig{
		BaseURL:    cfg.SearXNG.BaseURL,
		MaxResults: cfg.SearXNG.MaxResults,
	}, logger)
	if err != nil {
		return nil, err
	}

	fetch, err := tools.NewFetchTool(tools.FetchConfig{
		Parallelism: cfg.WebScraper.Parallelism,
		Delay:       time.Duration(cfg.WebScraper.DelayMs) * time.Millisecond,
		Timeout:     time.Duration(cfg.WebScraper.TimeoutMs) * time.Millisecond,
	}, httpVal, logger)
	if err != nil {
		return nil, err
	}

	calc, err := tools.NewCalcTool(logger)
	if err != nil {
		return nil, err
	}

	return tools.NewRegistry(search, fetch, calc, tools.NewClockTool())
}
