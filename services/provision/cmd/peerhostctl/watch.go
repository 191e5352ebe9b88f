package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"peerhost/pkg/bus"
	"peerhost/services/monitor"
	"peerhost/services/orchestrator"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print monitor alerts and provisioning run events as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			b, err := connectBus(cfg)
			if err != nil {
				return configErr(err)
			}
			defer b.Close()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			alertsSubject := cfg.Alerts.NATSSubject
			if alertsSubject == "" {
				alertsSubject = bus.AlertsSubject
			}

			handlers := []struct {
				subject string
				fn      func(ctx context.Context, data []byte) error
			}{
				{alertsSubject, func(_ context.Context, data []byte) error {
					var a monitor.Alert
					if err := json.Unmarshal(data, &a); err != nil {
						return err
					}
					return out.printf("%s ALERT %s %s: %s\n", a.Time.Format(time.RFC3339), a.Host, a.Kind, a.Message)
				}},
				{bus.RunStartedSubject, func(_ context.Context, data []byte) error {
					var ev orchestrator.RunStartedEvent
					if err := json.Unmarshal(data, &ev); err != nil {
						return err
					}
					return out.printf("%s RUN %s %s started (%d steps)\n", ev.StartedAt.Format(time.RFC3339), ev.Host, ev.RunID, len(ev.Steps))
				}},
				{bus.RunFinishedSubject, func(_ context.Context, data []byte) error {
					var ev orchestrator.RunFinishedEvent
					if err := json.Unmarshal(data, &ev); err != nil {
						return err
					}
					return out.printf("%s RUN %s %s %s %s\n", ev.FinishedAt.Format(time.RFC3339), ev.Host, ev.RunID, ev.Status, ev.Reason)
				}},
			}

			for i, h := range handlers {
				name := consumerName.Replace(fmt.Sprintf("%s-%d", durable, i))
				sub, err := b.Subscribe(ctx, h.subject, name, h.fn)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", h.subject, err)
				}
				defer sub.Close()
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&durable, "durable", "peerhostctl-watch", "Durable consumer name prefix; reuse it to resume where a previous watch stopped")
	return cmd
}

// consumerName strips characters JetStream rejects in durable names.
var consumerName = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, format, args...)
	return err
}
