package metrics

import (
	"context"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/thermal"
)

type service struct {
	repo   Repository
	cfg    Config
	logger logger.Logger
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If history is disabled, return a no-op recorder
	if !cfg.Enabled {
		log.Debug().Msg("Tick history disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create history repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Tick history service initialized successfully")

	return &service{
		repo:   repo,
		cfg:    cfg,
		logger: log,
	}, nil
}

func (s *service) Record(ctx context.Context, record *TickRecord) error {
	errFactory := errors.New()

	if record == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(record); err != nil {
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

func (*noopRecorder) Record(_ context.Context, _ *TickRecord) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}

// FromReport flattens a tick report into a storable record
func FromReport(report *thermal.TickReport) *TickRecord {
	record := &TickRecord{
		Timestamp: report.Time,
		Duration:  report.Duration,
		Fans: FanMetrics{
			Present: len(report.Fans.Present),
			Absent:  len(report.Fans.Absent),
			Fault:   len(report.Fans.Fault),
		},
		Psus: PsuMetrics{
			Present: len(report.Psus.Present),
			Absent:  len(report.Psus.Absent),
		},
		Policies: PolicyMetrics{
			Matched:       append([]string(nil), report.Matched...),
			CollectErrors: len(report.CollectErrors),
			ActionErrors:  len(report.ActionErrors),
		},
	}

	if st := report.Thermal; st != nil {
		record.Thermal = ThermalMetrics{
			Valid:    true,
			Average:  st.CurrentAverage,
			Previous: st.PreviousAverage,
			Critical: st.CriticalTemp,
			WarmUp:   st.WarmUp,
			CoolDown: st.CoolDown,
		}
	}

	return record
}

type observer struct {
	recorder Recorder
	logger   logger.Logger
}

// NewObserver records every tick the engine reports. Failures are logged
// and never reach the tick loop.
func NewObserver(recorder Recorder, log logger.Logger) thermal.Observer {
	return &observer{recorder: recorder, logger: log}
}

func (o *observer) ObserveTick(ctx context.Context, report *thermal.TickReport) {
	if err := o.recorder.Record(ctx, FromReport(report)); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record tick history")
	}
}
