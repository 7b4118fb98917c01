package main

import (
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/metricsync/internal/api"
	"codeberg.org/mutker/metricsync/internal/auth"
	"codeberg.org/mutker/metricsync/internal/config"
	"codeberg.org/mutker/metricsync/internal/logger"
	"codeberg.org/mutker/metricsync/internal/metrics"
	"codeberg.org/mutker/metricsync/internal/poller"
	"codeberg.org/mutker/metricsync/internal/telemetry"
)

const tokenEnvVar = "METRICSYNC_TOKEN"

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		logger.Init(false, false, logger.IsService())
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if err := logger.SetLogLevel(cfg.LogLevel); err != nil {
		logger.Fatal().Err(err).Msg("invalid log level")
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	tokens := auth.NewEnvTokenSource(tokenEnvVar)

	client, err := api.NewClient(api.Config{
		BaseURL:  cfg.BaseURL,
		Timezone: cfg.Timezone,
		Tokens:   tokens,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize API client")
	}

	collector, err := telemetry.NewService(telemetry.Config{
		DBPath:  cfg.TelemetryDB,
		Enabled: cfg.Telemetry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close telemetry")
		}
	}()

	managerCfg := poller.DefaultConfig()
	managerCfg.DefaultInterval = cfg.PollInterval()
	managerCfg.Debounce = cfg.DebounceWindow()
	managerCfg.VisibilityCatchup = cfg.CatchupThreshold()

	manager, err := poller.New(managerCfg, client, tokens, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize manager")
	}
	defer manager.Close()

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging metrics updates...")
	}

	unsubscribe := manager.Subscribe(logUpdate, cfg.PollInterval())
	defer unsubscribe()

	handleSignals(manager)

	logger.Info().Msg("Exiting...")
}

// handleSignals blocks until termination. SIGTSTP and SIGCONT drive the
// visibility gate, the terminal analogue of the page being hidden.
func handleSignals(manager *poller.Manager) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGTSTP, syscall.SIGCONT)

	for sig := range sigs {
		switch sig {
		case syscall.SIGTSTP:
			manager.SetVisible(false)
		case syscall.SIGCONT:
			manager.SetVisible(true)
		default:
			logger.Info().Msg("Received termination signal.")
			return
		}
	}
}

func logUpdate(notif metrics.Notification) {
	if !cfg.Monitor && !cfg.Verbose {
		return
	}

	event := logger.Info().
		Bool("loading", notif.IsLoading).
		Int("retry_count", notif.RetryCount).
		Str("health", string(notif.Health))

	if notif.Err != "" {
		event = event.Str("error", notif.Err)
	}

	for key, snapshot := range notif.Metrics {
		event = event.
			Float64(key, snapshot.Value).
			Str(key+"_trend", string(snapshot.Trend))
	}

	event.Msg("")
}
