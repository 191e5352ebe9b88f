package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"peerhost/services/hostos"
	"peerhost/services/monitor"
	"peerhost/services/provision"
	"peerhost/services/supervision"
)

func newMonitorCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run or register the monitoring daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newMonitorRunCommand(opts))
	cmd.AddCommand(newMonitorInstallCommand(opts))
	return cmd
}

func newMonitorRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring loop in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return monitor.Serve(commandContext(cmd), cfg, "peerhost-monitor")
		},
	}
}

func newMonitorInstallCommand(opts *rootOptions) *cobra.Command {
	var executable string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register peerhost-monitor to start automatically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if executable != "" {
				cfg.Provision.MonitorExecutable = executable
			}
			if cfg.Provision.MonitorExecutable == "" {
				return configErr(errors.New("set provision.monitor_executable or pass --executable"))
			}

			unit := provision.MonitorUnit(cfg, opts.monitorArgs())
			res, err := supervision.ForDaemon(hostos.ExecRunner{}).EnsureAutoStart(ctx, unit)
			if err != nil {
				return fmt.Errorf("register %s: %w", unit.Name, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", unit.Name, res)
			return err
		},
	}

	cmd.Flags().StringVar(&executable, "executable", "", "Path to the peerhost-monitor binary (overrides provision.monitor_executable)")
	return cmd
}
