package monitor

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"peerhost/pkg/db"
)

// SampleStore records samples for later inspection.
type SampleStore interface {
	Insert(ctx context.Context, host string, s Sample) error
}

// PostgresStore keeps sample history in the monitor_samples table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, host string, sample Sample) error {
	const query = `INSERT INTO monitor_samples (host, sampled_at, cpu_percent, memory_mb, address)
VALUES ($1, $2, $3, $4, $5)`
	_, err := db.Exec(ctx, s.pool, query, host, sample.Time.UTC(), sample.CPUPercent, sample.MemoryMB, sample.Address)
	return err
}

// Recent returns the latest samples for host, newest first.
func (s *PostgresStore) Recent(ctx context.Context, host string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT sampled_at, cpu_percent, memory_mb, address
FROM monitor_samples
WHERE host = $1
ORDER BY sampled_at DESC
LIMIT $2`
	var samples []Sample
	if err := db.Select(ctx, s.pool, &samples, query, host, limit); err != nil {
		return nil, err
	}
	return samples, nil
}
