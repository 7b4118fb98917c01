package telemetry

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/metricsync/internal/errors"
	"codeberg.org/mutker/metricsync/internal/logger"
	"codeberg.org/mutker/metricsync/internal/metrics"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(cfg Config) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing telemetry repository at: %s", cfg.DBPath)

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{
		db: db,
	}, nil
}

func (r *sqliteRepository) Record(sample *PollSample) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
        INSERT INTO poll_samples (
            timestamp, cause, outcome, error,
            retry_count, consecutive_failures,
            breaker_state, health, interval_ms, metric_count
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		sample.Timestamp.UnixMilli(),
		sample.Cause,
		string(sample.Outcome),
		sample.Err,
		sample.RetryCount,
		sample.ConsecutiveFailures,
		sample.BreakerState,
		sample.Health,
		sample.Interval.Milliseconds(),
		sample.MetricCount,
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) UpsertMetrics(snapshots map[string]metrics.Snapshot) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	for key, snapshot := range snapshots {
		_, err := tx.Exec(`
            INSERT INTO metric_values (metric_type, value, trend, updated_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT (metric_type) DO UPDATE SET
                value = excluded.value,
                trend = excluded.trend,
                updated_at = excluded.updated_at
        `,
			key,
			snapshot.Value,
			string(snapshot.Trend),
			snapshot.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			tx.Rollback()
			return errFactory.Wrap(ErrStorageAccess, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}
