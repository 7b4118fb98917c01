package telemetry

import (
	"context"

	"codeberg.org/mutker/metricsync/internal/errors"
	"codeberg.org/mutker/metricsync/internal/logger"
	"codeberg.org/mutker/metricsync/internal/metrics"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopCollector struct{}

func NewService(cfg Config) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If telemetry is disabled, return a no-op collector
	if !cfg.Enabled {
		logger.Debug().Msg("Telemetry recording disabled, using no-op collector")
		return &noopCollector{}, nil
	}

	repo, err := NewRepository(cfg)
	if err != nil {
		return nil, err // Already wrapped with appropriate error
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Msg("Telemetry service initialized")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, sample *PollSample) error {
	errFactory := errors.New()

	if sample == nil {
		return errFactory.New(ErrInvalidSample)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(sample); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

// RecordMetrics keeps the latest known value per metric type, so the
// local store can answer "what did we last see" across restarts.
func (s *service) RecordMetrics(ctx context.Context, snapshots map[string]metrics.Snapshot) error {
	errFactory := errors.New()

	if len(snapshots) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.UpsertMetrics(snapshots); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

func (*noopCollector) Record(_ context.Context, _ *PollSample) error {
	return nil
}

func (*noopCollector) RecordMetrics(_ context.Context, _ map[string]metrics.Snapshot) error {
	return nil
}

func (*noopCollector) Close() error {
	return nil
}
