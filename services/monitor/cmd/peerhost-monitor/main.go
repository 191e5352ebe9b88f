package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"peerhost/pkg/config"
	"peerhost/services/monitor"
)

const serviceName = "peerhost-monitor"

// errConfig marks failures detected before the loop starts.
var errConfig = errors.New("configuration error")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Sample host health, log it and raise threshold alerts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to peerhost.yaml")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	handled, err := monitor.RunAsService(cfg.Provision.MonitorServiceName, func(ctx context.Context) error {
		return monitor.Serve(ctx, cfg, serviceName)
	})
	if handled {
		return err
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return monitor.Serve(ctx, cfg, serviceName)
}
