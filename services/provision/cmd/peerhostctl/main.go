package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"peerhost/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a specific process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// configErr marks failures detected before any host change is attempted.
func configErr(err error) error {
	return &exitError{code: 2, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, configErr(fmt.Errorf("load config: %w", err))
	}
	return cfg, nil
}

// monitorArgs are the arguments peerhost-monitor is registered with, so the
// daemon reads the same configuration file as this invocation.
func (o *rootOptions) monitorArgs() []string {
	if o.configPath == "" {
		return nil
	}
	path, err := filepath.Abs(o.configPath)
	if err != nil {
		path = o.configPath
	}
	return []string{"--config", path}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "peerhostctl",
		Short:         "Provision and monitor a peer client host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to peerhost.yaml")

	cmd.AddCommand(newProvisionCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))
	cmd.AddCommand(newMonitorCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newManifestCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the peerhostctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "peerhostctl %s\n", version)
			return err
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
