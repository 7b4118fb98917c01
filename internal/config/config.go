package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/metricsync/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultInterval          = 60  // seconds, fallback polling interval
	defaultDebounce          = 5   // seconds
	defaultVisibilityCatchup = 120 // seconds
	defaultTelemetryDB       = "/var/lib/metricsync/telemetry.db"

	configEnvVar = "METRICSYNC_CONFIG"
	envPrefix    = "METRICSYNC"
)

type Config struct {
	BaseURL           string `mapstructure:"base_url"`
	Interval          int    `mapstructure:"interval"`
	Debounce          int    `mapstructure:"debounce"`
	VisibilityCatchup int    `mapstructure:"visibility_catchup"`
	Timezone          string `mapstructure:"timezone"`
	Monitor           bool   `mapstructure:"monitor"`
	Debug             bool   `mapstructure:"debug"`
	Verbose           bool   `mapstructure:"verbose"`
	LogLevel          string `mapstructure:"log_level"`
	Telemetry         bool   `mapstructure:"telemetry"`
	TelemetryDB       string `mapstructure:"database"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet("metricsync", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.String("config", "", "Path to configuration file")
	fs.String("base-url", "", "Backend base URL")
	fs.Int("interval", defaultInterval, "Fallback polling interval in seconds")
	fs.Bool("monitor", false, "Log every metrics update")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.Bool("telemetry", false, "Enable local telemetry recording")
	fs.String("database", "", "Path to the telemetry database")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("debounce", defaultDebounce)
	v.SetDefault("visibility_catchup", defaultVisibilityCatchup)
	v.SetDefault("timezone", detectTimezone())
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("telemetry", false)
	v.SetDefault("database", defaultTelemetryDB)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	// Flags that were set explicitly override file and env values
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		v.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	errFactory := errors.New()

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(configEnvVar)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}

		return nil
	}

	v.SetConfigName("metricsync")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/metricsync")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.BaseURL == "" {
		return errFactory.New(errors.ErrInvalidBaseURL)
	}

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Telemetry && c.TelemetryDB == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "telemetry enabled without database path")
	}

	return nil
}

// PollInterval returns the fallback polling interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// DebounceWindow returns the fetch debounce window as a duration
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Debounce) * time.Second
}

// CatchupThreshold returns the visibility catch-up threshold as a duration
func (c *Config) CatchupThreshold() time.Duration {
	return time.Duration(c.VisibilityCatchup) * time.Second
}

func detectTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}

	return time.Now().Location().String()
}
