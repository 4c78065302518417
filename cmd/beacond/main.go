// Command beacond is the conversational gateway daemon: it loads
// configuration, wires every Gateway Supervisor component together, and
// runs until asked to stop.
//
// Usage:
//
//	beacond version
//	beacond gateway --config beacon.yaml
//	beacond backfill-memory --config beacon.yaml --sessions-dir ./legacy-sessions
//
// Grounded on thrapt-picobot's cmd/picobot/main.go (same shape: a cobra
// root command, a long-running "gateway" subcommand that builds providers
// and channels from a loaded config and blocks on an interrupt signal)
// rather than kadirpekel-hector's kong-based multi-flag CLI, since this
// daemon has no zero-config mode or studio UI to justify hector's much
// larger flag surface — just "load a config file and run."
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/gateway"
	"github.com/sipeed/beacon/pkg/logger"
)

const version = "0.1.0"

const shutdownGrace = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "beacond",
		Short: "beacond is the conversational gateway daemon",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("beacond v%s\n", version)
		},
	})

	root.AddCommand(newGatewayCmd())
	root.AddCommand(newBackfillCmd())

	return root
}

func newGatewayCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the long-running gateway (channels, pipeline, admin API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, logLevel)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (env vars override its values)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	return cmd
}

func runGateway(configPath, logLevel string) error {
	logger.Init(os.Stderr, logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal", nil)
		cancel()
	}()

	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	logger.InfoCF("beacond", "gateway starting", map[string]interface{}{
		"port": cfg.Port, "persona": cfg.Persona, "data_dir": cfg.DataDir,
	})

	runErr := gw.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCF("beacond", "shutdown error", map[string]interface{}{"error": err.Error()})
	}

	return runErr
}
