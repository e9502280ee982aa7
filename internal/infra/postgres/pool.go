// internal/infra/postgres/pool.go
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"batchops/internal/retry"
)

// NewPool opens a connection pool against dsn, the source of truth for
// every business entity (Upload, Job, JobRun, Incident, KnownError,
// DepartmentRecord, Ticket). The etcd store next to it holds only the queue
// and schedule bookkeeping. The initial ping is retried on a transient
// connection error so the daemon survives starting up slightly ahead of
// Postgres becoming reachable (a common ordering issue under compose/k8s).
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, retry.DefaultAttempts, time.Second, pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
