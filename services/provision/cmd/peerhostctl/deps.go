package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"peerhost/pkg/bus"
	"peerhost/pkg/config"
	"peerhost/pkg/db"
	gos3 "peerhost/pkg/s3"
	"peerhost/pkg/telemetry"
	"peerhost/services/artifacts"
	"peerhost/services/orchestrator"
)

const serviceName = "peerhostctl"

// initTelemetry sets up tracing and returns a logger that writes JSON lines
// to stderr, keeping stdout for command output.
func initTelemetry(ctx context.Context) (*log.Logger, func(), error) {
	shutdown, _, _, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	logger := telemetry.NewLogger(serviceName, os.Stderr)
	return logger, func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Printf("ERROR telemetry shutdown: %v", err)
		}
	}, nil
}

func newFetcher(ctx context.Context, cfg config.Config, logger *log.Logger, rawURL string) (*artifacts.Fetcher, error) {
	opts := artifacts.Options{
		MaxAttempts:    cfg.Installer.MaxAttempts,
		AttemptTimeout: cfg.Installer.AttemptTimeout,
		RetryDelay:     cfg.Installer.RetryDelay,
	}
	if strings.HasPrefix(rawURL, "s3://") {
		client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		opts.S3 = client
	}
	return artifacts.NewFetcher(logger, opts)
}

func verification(cfg config.Config) (artifacts.Verification, error) {
	v := artifacts.Verification{SHA256: cfg.Installer.SHA256}
	if cfg.Installer.ManifestPath == "" {
		return v, nil
	}
	manifest, err := artifacts.LoadManifest(cfg.Installer.ManifestPath)
	if err != nil {
		return v, err
	}
	signer, err := artifacts.NewSignerFromEnv()
	if err != nil {
		return v, fmt.Errorf("manifest verification: %w", err)
	}
	v.Manifest = manifest
	v.Signer = signer
	return v, nil
}

// openJournal migrates the database and opens a gorm-backed run journal.
func openJournal(ctx context.Context, dsn string) (*orchestrator.GormJournal, func(), error) {
	pool, err := db.OpenMigrated(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	pool.Close()

	orm, err := db.OpenORM(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	journal, err := orchestrator.NewGormJournal(orm)
	if err != nil {
		_ = db.CloseORM(orm)
		return nil, nil, err
	}
	return journal, func() { _ = db.CloseORM(orm) }, nil
}

func connectBus(cfg config.Config) (*bus.Bus, error) {
	if cfg.Bus.URL == "" {
		return nil, fmt.Errorf("bus.url is not configured")
	}
	b, err := bus.New(cfg.Bus.URL, serviceName+"@"+cfg.Host)
	if err != nil {
		return nil, err
	}
	alerts := cfg.Alerts.NATSSubject
	if alerts == "" {
		alerts = bus.AlertsSubject
	}
	if err := b.EnsureStream(bus.StreamName, bus.RunsSubjects, alerts); err != nil {
		b.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", bus.StreamName, err)
	}
	return b, nil
}
