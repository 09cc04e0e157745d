// cmd/statebridge/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/signalnine/statebridge/internal/agent"
	"github.com/signalnine/statebridge/internal/collector"
	"github.com/signalnine/statebridge/internal/config"
	"github.com/signalnine/statebridge/internal/host"
	"github.com/signalnine/statebridge/internal/rodhost"
	"github.com/signalnine/statebridge/internal/storage"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	logger     = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:     "statebridge",
	Short:   "Capture live page state and relay it to a local collector",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
	SilenceUsage: true,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the capture agent against a browser tab",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h := host.New(host.SlogConsole(logger.With("source", "console")))

		if cfg.PageURL != "" {
			sess, err := rodhost.Open(ctx, rodhost.Options{
				BrowserURL: cfg.BrowserURL,
				PageURL:    cfg.PageURL,
				Stealth:    cfg.Stealth,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			sess.Bind(h)
			if err := sess.ForwardConsole(h.Console); err != nil {
				return err
			}
			sess.RouteRequests(h.HTTPClient())
		} else {
			logger.Warn("no page_url configured; capturing this process only")
			h.SessionStore = storage.NewMemoryStore()
			if cfg.PersistentStore != "" {
				st, err := storage.OpenSQLiteStore(cfg.PersistentStore)
				if err != nil {
					return fmt.Errorf("open persistent store: %w", err)
				}
				defer st.Close()
				h.PersistentStore = st
			}
		}

		return agent.New(h, cfg, agent.WithLogger(logger)).Run(ctx)
	},
}

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the local collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCollectorConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		srv, err := collector.NewServer(cfg, collector.WithLogger(logger))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve stored snapshots as MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCollectorConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, err := collector.NewDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		srv := mcp.NewServer(&mcp.Implementation{Name: "statebridge", Version: version}, nil)
		collector.RegisterMCP(srv, db)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger.Info("mcp server starting", "db", cfg.DBPath)
		return srv.Run(ctx, &mcp.StdioTransport{})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(collectorCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
