// Command conductor runs the agent session daemon: it drives agent CLI
// subprocesses and exposes them over stdio and WebSocket command surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oakmoss/conductor/config"
	"github.com/oakmoss/conductor/orchestrator"
	"github.com/oakmoss/conductor/server"
	"github.com/oakmoss/conductor/transcript"
)

var (
	configFlag string
	listenFlag string
	stdioFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Session daemon for the agent CLI",
	Long: `Conductor manages long-lived agent CLI conversations: it spawns the
CLI as a streaming subprocess per session, tracks conversation state,
mediates tool approvals, and relays everything to observers over stdio
or WebSocket.

Configuration is read from conductor.yaml (see --config).`,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "conductor.yaml", "Path to the config file")
	rootCmd.Flags().StringVar(&listenFlag, "listen", "", "WebSocket listen address (overrides config)")
	rootCmd.Flags().BoolVar(&stdioFlag, "stdio", false, "Serve the command protocol on stdin/stdout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if stdioFlag {
		cfg.Stdio = true
	}

	logger, err := buildLogger(cfg.LogLevel, cfg.Stdio)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	store, err := transcript.NewStore(cfg.TranscriptRoot, cfg.ArchiveRoot, logger)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	lister := transcript.NewLister(store, logger)
	defer lister.Close()

	registry, err := orchestrator.NewIDRegistry(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("open id registry: %w", err)
	}

	core := orchestrator.New(orchestrator.Config{
		CLIPath:         cfg.CLIPath,
		DefaultModel:    cfg.DefaultModel,
		LedgerCap:       cfg.LedgerCap,
		LedgerFloor:     cfg.LedgerFloor,
		EventBufferSize: cfg.EventBufferSize,
	}, store, lister, registry, logger)

	srv := server.New(core, server.Options{Addr: cfg.Listen, Stdio: cfg.Stdio}, logger)
	return srv.Run(ctx)
}

// buildLogger routes logs to stderr; stdout belongs to the command
// protocol when stdio serving is on.
func buildLogger(level string, stdio bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	if stdio {
		zapCfg.DisableStacktrace = true
	}
	return zapCfg.Build()
}
