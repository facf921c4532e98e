// Command xyzconnectd runs the desktop mirroring daemon: discovery,
// pairing, and sync with a single paired phone (spec.md §1).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hansonxyz/xyzconnect-sub001/internal/config"
	"github.com/hansonxyz/xyzconnect-sub001/internal/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "xyzconnectd",
		Short: "xyzconnect desktop mirroring daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to <dataDir>/config.yaml)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(resolveConfigPath(*configPath))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("xyzconnectd v%s\n", Version)
			return nil
		},
	}
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dataDir, err := config.DefaultDataDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dataDir, "config.yaml")
}

func runDaemon(configPath string) error {
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("construct logger: %w", err)
	}
	defer log.Sync()

	d, err := daemon.New(configPath, log)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	log.Info("xyzconnectd started", zap.String("version", Version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	d.Stop()
	return nil
}

func newLogger() (*zap.Logger, error) {
	level := os.Getenv("XYZCONNECT_LOG_LEVEL")
	cfg := zap.NewProductionConfig()
	if level != "" {
		var l zap.AtomicLevel
		if err := l.UnmarshalText([]byte(level)); err == nil {
			cfg.Level = l
		}
	}
	return cfg.Build()
}
