package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"peerhost/pkg/bus"
	"peerhost/pkg/config"
	"peerhost/pkg/db"
	"peerhost/pkg/render"
	"peerhost/pkg/telemetry"
)

// Serve initialises telemetry for serviceName, assembles the daemon and runs
// it until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config, serviceName string) error {
	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("ERROR telemetry shutdown: %v", err)
		}
	}()

	daemon, err := NewDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer daemon.Close()

	return daemon.Run(ctx, middleware)
}

// Daemon is the assembled monitoring process: the loop plus its optional
// status server, alert transports and sample store.
type Daemon struct {
	loop    *Loop
	listen  string
	logger  *log.Logger
	closers []func()
}

// NewDaemon wires a Daemon from configuration. Optional integrations that
// cannot be reached at startup (bus, database) are logged and left out so
// that observation still starts.
func NewDaemon(ctx context.Context, cfg config.Config, logger *log.Logger) (*Daemon, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	d := &Daemon{listen: cfg.Monitor.Listen, logger: logger}

	renderer, err := render.New()
	if err != nil {
		return nil, fmt.Errorf("init renderer: %w", err)
	}

	sampleLog, err := NewSampleLog(cfg.Monitor.LogPath, cfg.Monitor.MaxLogBytes)
	if err != nil {
		return nil, err
	}

	evaluator, err := NewEvaluator(cfg.Host, DefaultRules(cfg.Alerts), cfg.Alerts.Dedupe, renderer)
	if err != nil {
		return nil, err
	}
	if cfg.Monitor.RestoreBaseline {
		address, ok, err := sampleLog.LastAddress()
		switch {
		case err != nil:
			logger.Printf("WARN restore address baseline: %v", err)
		case ok:
			evaluator.SetBaseline(address)
			logger.Printf("INFO restored address baseline %s from %s", address, sampleLog.Path())
		}
	}

	var transports []Transport
	if cfg.Alerts.Enabled && cfg.Bus.URL != "" {
		b, err := bus.New(cfg.Bus.URL, "peerhost-monitor")
		if err != nil {
			logger.Printf("WARN connect bus %s: %v; nats alerts disabled", cfg.Bus.URL, err)
		} else {
			d.closers = append(d.closers, b.Close)
			if err := b.EnsureStream(bus.StreamName, alertsSubject(cfg)); err != nil {
				logger.Printf("WARN ensure stream %s: %v", bus.StreamName, err)
			}
			t, err := NewBusTransport(b, alertsSubject(cfg))
			if err != nil {
				d.Close()
				return nil, err
			}
			transports = append(transports, t)
		}
	}
	if cfg.Alerts.Enabled && cfg.Alerts.SMTP.Enabled() {
		t, err := NewMailTransport(cfg.Alerts.SMTP, renderer, nil)
		if err != nil {
			d.Close()
			return nil, err
		}
		transports = append(transports, t)
	}

	dispatcher, err := NewDispatcher(logger, cfg.Alerts.Enabled, transports...)
	if err != nil {
		d.Close()
		return nil, err
	}

	var store SampleStore
	if cfg.Database.DSN != "" {
		if s, err := openStore(ctx, cfg.Database.DSN, d); err != nil {
			logger.Printf("WARN sample history disabled: %v", err)
		} else {
			store = s
		}
	}

	resolver, err := NewHTTPAddressResolver(cfg.Monitor.AddressURL, cfg.Monitor.AddressTimeout)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.loop, err = NewLoop(LoopDeps{
		Host:         cfg.Host,
		PollInterval: cfg.Monitor.PollInterval,
		Sampler:      SystemSampler{},
		Resolver:     resolver,
		Log:          sampleLog,
		Evaluator:    evaluator,
		Dispatcher:   dispatcher,
		Store:        store,
		Logger:       logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func openStore(ctx context.Context, dsn string, d *Daemon) (*PostgresStore, error) {
	pool, err := db.OpenMigrated(ctx, dsn)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, pool.Close)
	return NewPostgresStore(pool)
}

// Loop exposes the daemon's loop.
func (d *Daemon) Loop() *Loop { return d.loop }

// Run serves the status endpoints (when a listen address is configured) and
// runs the loop until ctx is cancelled. A status server failure is logged and
// does not stop the loop.
func (d *Daemon) Run(ctx context.Context, middleware func(http.Handler) http.Handler) error {
	if d.listen != "" {
		handler, err := Routes(d.loop)
		if err != nil {
			return err
		}
		if middleware != nil {
			handler = middleware(handler)
		}
		server := &http.Server{
			Addr:              d.listen,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Printf("ERROR status server shutdown: %v", err)
			}
		}()

		go func() {
			d.logger.Printf("INFO status server listening on %s", d.listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Printf("ERROR status server: %v", err)
			}
		}()
	}

	return d.loop.Run(ctx)
}

// Close releases the bus connection and database pool.
func (d *Daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

func alertsSubject(cfg config.Config) string {
	if cfg.Alerts.NATSSubject != "" {
		return cfg.Alerts.NATSSubject
	}
	return bus.AlertsSubject
}
