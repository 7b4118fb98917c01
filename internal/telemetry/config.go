package telemetry

import "codeberg.org/mutker/metricsync/internal/errors"

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/metricsync/telemetry.db"
)

type Config struct {
	DBPath  string
	Enabled bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:  defaultDBPath,
		Enabled: false,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}
