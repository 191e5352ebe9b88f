package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"peerhost/services/hostos"
	"peerhost/services/orchestrator"
	"peerhost/services/provision"
	"peerhost/services/supervision"
)

func newProvisionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Run the provisioning sequence once",
		Long: "Runs every provisioning step in order, skipping those already satisfied.\n" +
			"Exits 0 when complete or halted for a reboot, 1 on failure and 2 on\n" +
			"configuration errors.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateProvisioning(); err != nil {
				return configErr(err)
			}

			logger, shutdown, err := initTelemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			verify, err := verification(cfg)
			if err != nil {
				return configErr(err)
			}
			fetcher, err := newFetcher(ctx, cfg, logger, cfg.Installer.URL)
			if err != nil {
				return configErr(err)
			}

			runner := hostos.ExecRunner{}
			steps, err := provision.Steps(provision.Deps{
				Config:       cfg,
				Host:         hostos.New(runner),
				Fetcher:      fetcher,
				Verification: verify,
				Application:  supervision.ForApplication(runner),
				Daemon:       supervision.ForDaemon(runner),
				MonitorArgs:  opts.monitorArgs(),
				Logger:       logger,
			})
			if err != nil {
				return configErr(err)
			}

			seqOpts := []orchestrator.Option{orchestrator.WithHost(cfg.Host)}
			if cfg.Database.DSN != "" {
				journal, closeJournal, err := openJournal(ctx, cfg.Database.DSN)
				if err != nil {
					logger.Printf("WARN run journal disabled: %v", err)
				} else {
					defer closeJournal()
					seqOpts = append(seqOpts, orchestrator.WithJournal(journal))
				}
			}
			if cfg.Bus.URL != "" {
				b, err := connectBus(cfg)
				if err != nil {
					logger.Printf("WARN run events disabled: %v", err)
				} else {
					defer b.Close()
					seqOpts = append(seqOpts, orchestrator.WithPublisher(b))
				}
			}

			seq, err := orchestrator.NewSequencer(logger, seqOpts...)
			if err != nil {
				return err
			}
			run := seq.Run(ctx, steps)

			out := cmd.OutOrStdout()
			if err := printRun(out, run); err != nil {
				return err
			}
			switch run.State {
			case orchestrator.StateHaltedForReboot:
				fmt.Fprintln(out, "Reboot the host, then run peerhostctl provision again to continue.")
			case orchestrator.StateFailedFatal:
				return &exitError{code: run.ExitCode(), err: fmt.Errorf("provisioning failed: %s", run.Reason)}
			}
			for _, w := range run.Warnings() {
				fmt.Fprintf(out, "warning: %s: %v\n", w.Name, w.Err)
			}
			return nil
		},
	}
}

func printRun(w io.Writer, run *orchestrator.Run) error {
	table := tablewriter.NewWriter(w)
	table.Header("Step", "Precondition", "Action", "Duration", "Detail")
	for _, res := range run.Results {
		detail := res.Precondition.Reason
		if res.Err != nil {
			detail = res.Err.Error()
		}
		if err := table.Append([]string{
			res.Name,
			res.Precondition.Status.String(),
			string(res.Action),
			res.Duration.Round(time.Millisecond).String(),
			detail,
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	skipped := len(run.Steps) - len(run.Results)
	summary := []string{fmt.Sprintf("run %s: %s", run.ID, run.State)}
	if skipped > 0 {
		summary = append(summary, fmt.Sprintf("%d step(s) not reached", skipped))
	}
	if run.Reason != "" {
		summary = append(summary, run.Reason)
	}
	_, err := fmt.Fprintln(w, strings.Join(summary, "; "))
	return err
}

func newFetchCommand(opts *rootOptions) *cobra.Command {
	var (
		rawURL string
		output string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download an artifact with the installer retry policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, shutdown, err := initTelemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			fetcher, err := newFetcher(ctx, cfg, logger, rawURL)
			if err != nil {
				return configErr(err)
			}
			res, err := fetcher.Fetch(ctx, rawURL, output)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "fetched %d bytes to %s in %d attempt(s)\n",
				res.Bytes, res.Destination, len(res.Attempts))
			return err
		},
	}

	cmd.Flags().StringVar(&rawURL, "url", "", "Source URL (http, https or s3)")
	cmd.Flags().StringVar(&output, "output", "", "Destination file")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
