package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"peerhost/pkg/db"
	"peerhost/services/monitor"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded provisioning runs and monitor samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newHistoryRunsCommand(opts))
	cmd.AddCommand(newHistorySamplesCommand(opts))
	return cmd
}

func newHistoryRunsCommand(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		details bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled provisioning runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return configErr(fmt.Errorf("database.dsn is not configured"))
			}

			journal, closeJournal, err := openJournal(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer closeJournal()

			runs, err := journal.Recent(ctx, limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Run", "Host", "Outcome", "Started", "Finished", "Reason")
			for _, run := range runs {
				finished := ""
				if run.FinishedAt != nil {
					finished = run.FinishedAt.UTC().Format(time.RFC3339)
				}
				if err := table.Append([]string{
					run.ID.String(),
					run.Host,
					run.Outcome,
					run.StartedAt.UTC().Format(time.RFC3339),
					finished,
					run.Reason,
				}); err != nil {
					return err
				}
				if !details {
					continue
				}
				for _, step := range run.Steps {
					detail := step.Reason
					if step.Error != "" {
						detail = step.Error
					}
					if err := table.Append([]string{"", "  " + step.Name, step.Status, step.Action, step.Duration.String(), detail}); err != nil {
						return err
					}
				}
			}
			return table.Render()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&details, "steps", false, "Include per-step results")
	return cmd
}

func newHistorySamplesCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "samples",
		Short: "List recent monitor samples",
		Long: "Reads the sample history table when database.dsn is set, otherwise the\n" +
			"tail of the local sample log.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := opts.load()
			if err != nil {
				return err
			}

			var samples []monitor.Sample
			if cfg.Database.DSN != "" {
				pool, err := db.Open(ctx, cfg.Database.DSN)
				if err != nil {
					return fmt.Errorf("open database: %w", err)
				}
				defer pool.Close()
				store, err := monitor.NewPostgresStore(pool)
				if err != nil {
					return err
				}
				samples, err = store.Recent(ctx, cfg.Host, limit)
				if err != nil {
					return fmt.Errorf("list samples: %w", err)
				}
			} else {
				sampleLog, err := monitor.NewSampleLog(cfg.Monitor.LogPath, 0)
				if err != nil {
					return err
				}
				samples, err = sampleLog.Tail(limit)
				if err != nil {
					return fmt.Errorf("read %s: %w", sampleLog.Path(), err)
				}
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Time", "CPU %", "RAM MB", "Address")
			for _, s := range samples {
				if err := table.Append([]string{
					s.Time.UTC().Format(time.RFC3339),
					strconv.FormatFloat(s.CPUPercent, 'f', 2, 64),
					strconv.FormatFloat(s.MemoryMB, 'f', 2, 64),
					s.Address,
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of samples to show")
	return cmd
}
