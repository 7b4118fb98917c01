package telemetry

import (
	"database/sql"

	"codeberg.org/mutker/metricsync/internal/errors"
)

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS poll_samples (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            timestamp INTEGER NOT NULL,
            cause TEXT,
            outcome TEXT NOT NULL,
            error TEXT,
            retry_count INTEGER,
            consecutive_failures INTEGER,
            breaker_state TEXT,
            health TEXT,
            interval_ms INTEGER,
            metric_count INTEGER
        );
        CREATE INDEX IF NOT EXISTS idx_poll_samples_timestamp
            ON poll_samples (timestamp);
        CREATE TABLE IF NOT EXISTS metric_values (
            metric_type TEXT PRIMARY KEY,
            value REAL NOT NULL,
            trend TEXT,
            updated_at INTEGER
        )
    `)
	if err != nil {
		return errors.New().Wrap(ErrStorageInit, err)
	}

	return nil
}
