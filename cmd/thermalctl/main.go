package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/thermalctl/internal/config"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/hw"
	"codeberg.org/mutker/thermalctl/internal/hw/gpu"
	"codeberg.org/mutker/thermalctl/internal/hw/hostsensor"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/metrics"
	"codeberg.org/mutker/thermalctl/internal/pid"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
	"codeberg.org/mutker/thermalctl/internal/thermal"
	"github.com/spf13/pflag"
)

type app struct {
	cfg      *config.Config
	log      logger.Logger
	chassis  hw.Chassis
	gpu      *gpu.Chassis
	recorder metrics.Recorder
	server   *telemetry.Server
	manager  *thermal.Manager
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(cfg.PIDFile); err != nil {
		if errors.HasCode(err, errors.ErrAlreadyRunning) {
			logger.Fatal().Err(err).Msg("Another instance of thermalctl is already running")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	a := &app{cfg: cfg, log: logger.Default()}
	code := 0
	if err := a.run(); err != nil {
		logErr(err, "thermalctl failed")
		code = 1
	}
	a.cleanup()

	if err := pid.Remove(cfg.PIDFile); err != nil {
		logErr(err, "Failed to remove PID file")
	}
	os.Exit(code)
}

func (a *app) run() error {
	errFactory := errors.New()

	if err := a.setup(); err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.cfg.Once {
		report, err := a.manager.RunPolicies(ctx)
		if err != nil {
			return err
		}
		logger.Info().
			Strs("matched", report.Matched).
			Strs("executed", report.Executed).
			Int("action_errors", len(report.ActionErrors)).
			Msg("Single tick complete")
		return nil
	}

	if a.cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Policies are evaluated but not applied")
	}
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	crashed := false
	select {
	case <-ctx.Done():
		logger.Info().Msg("Received termination signal.")
	case <-a.manager.Done():
		logger.Error().Msg("Thermal control loop exited unexpectedly")
		crashed = true
	}

	err := a.manager.Deinitialize()
	if crashed {
		return errFactory.Wrap(errors.ErrMainLoop, err)
	}
	return err
}

func (a *app) setup() error {
	errFactory := errors.New()

	chassis, err := a.buildChassis()
	if err != nil {
		return err
	}
	a.chassis = chassis

	registry, err := thermal.NewDefaultRegistry(thermal.Defaults{
		DefaultSpeed: a.cfg.Fan.DefaultSpeed,
		MaxSpeed:     a.cfg.Fan.MaxSpeed,
		Thermal: thermal.ThermalParams{
			Tolerance:      a.cfg.Thermal.Tolerance,
			HighThreshold:  a.cfg.Thermal.HighThreshold,
			LowThreshold:   a.cfg.Thermal.LowThreshold,
			CriticalSensor: a.cfg.Thermal.CriticalSensor,
		},
	}, a.log.With("component", "policy"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	opts := []thermal.Option{
		thermal.WithInterval(a.cfg.IntervalDuration()),
		thermal.WithLogger(a.log.With("component", "manager")),
		thermal.WithMonitorMode(a.cfg.Monitor),
	}

	a.recorder, err = metrics.NewService(metrics.Config{
		DBPath:       a.cfg.Metrics.DBPath,
		BatchSize:    a.cfg.Metrics.BatchSize,
		BatchTimeout: a.cfg.Metrics.BatchTimeout,
		Enabled:      a.cfg.Metrics.Enabled,
	}, a.log.With("component", "metrics"))
	if err != nil {
		return err
	}
	if a.cfg.Metrics.Enabled {
		opts = append(opts, thermal.WithObserver(metrics.NewObserver(a.recorder, a.log)))
	}

	if a.cfg.Telemetry.Enabled {
		exporter, err := telemetry.NewExporter(a.log.With("component", "telemetry"))
		if err != nil {
			return err
		}
		a.server, err = telemetry.NewServer(telemetry.Config{
			Enabled: true,
			Listen:  a.cfg.Telemetry.Listen,
		}, exporter, a.log.With("component", "telemetry"))
		if err != nil {
			return err
		}
		if err := a.server.Start(); err != nil {
			return err
		}
		opts = append(opts, thermal.WithObserver(exporter))
	}

	a.manager, err = thermal.NewManager(a.chassis, registry, opts...)
	if err != nil {
		return err
	}
	if err := a.manager.Load(a.cfg.PolicyFile); err != nil {
		return errFactory.Wrap(errors.ErrLoadPolicy, err)
	}
	if err := a.manager.Initialize(); err != nil {
		return errFactory.Wrap(errors.ErrLoadPolicy, err)
	}

	return nil
}

func (a *app) buildChassis() (hw.Chassis, error) {
	errFactory := errors.New()

	var parts []hw.Chassis
	for _, backend := range a.cfg.Backends {
		switch backend {
		case config.BackendNVML:
			c, err := gpu.New(a.log.With("backend", backend))
			if err != nil {
				return nil, errFactory.Wrap(errors.ErrInitBackend, err).WithMessage(backend)
			}
			a.gpu = c
			parts = append(parts, c)
		case config.BackendHost:
			c, err := hostsensor.New(a.log.With("backend", backend), a.cfg.Host.Sensors)
			if err != nil {
				return nil, errFactory.Wrap(errors.ErrInitBackend, err).WithMessage(backend)
			}
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return nil, errFactory.WithData(errors.ErrInitBackend, "no backends configured")
	}

	return hw.Compose(parts...), nil
}

// cleanup hands fan control back to the hardware and releases resources.
// Every step runs even when an earlier one fails.
func (a *app) cleanup() {
	if a.manager != nil {
		if err := a.manager.Deinitialize(); err != nil {
			logErr(err, "Thermal control stopped with an error")
		}
	}

	if r, ok := a.chassis.(hw.Restorer); ok {
		if err := r.RestoreDefaults(); err != nil {
			logErr(errors.New().Wrap(errors.ErrRestoreFans, err), "Failed to restore fan control")
		}
	}
	if a.gpu != nil {
		if err := a.gpu.Shutdown(); err != nil {
			logErr(err, "Failed to shut down NVML")
		}
	}

	if a.server != nil {
		if err := a.server.Shutdown(context.Background()); err != nil {
			logErr(err, "Failed to stop telemetry server")
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logErr(err, "Failed to close tick history")
		}
	}

	logger.Info().Msg("Exiting...")
}

func logErr(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
