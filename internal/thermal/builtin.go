package thermal

import (
	"codeberg.org/mutker/thermalctl/internal/logger"
	"go.uber.org/multierr"
)

const (
	DefaultFanSpeed       = 60
	MaxFanSpeed           = 100
	DefaultTolerance      = 0.5
	DefaultLowThreshold   = 40.0
	DefaultShutdownReason = "critical temperature reached"
)

// Defaults fill in params that a policy entry leaves out
type Defaults struct {
	DefaultSpeed int
	MaxSpeed     int
	Thermal      ThermalParams
}

// DefaultDefaults returns the built-in defaults
func DefaultDefaults() Defaults {
	return Defaults{
		DefaultSpeed: DefaultFanSpeed,
		MaxSpeed:     MaxFanSpeed,
		Thermal: ThermalParams{
			Tolerance:    DefaultTolerance,
			LowThreshold: DefaultLowThreshold,
		},
	}
}

// RegisterBuiltins adds every built-in Info, Condition and Action to r
func RegisterBuiltins(r *Registry, d Defaults, log logger.Logger) error {
	var err error

	err = multierr.Append(err, r.RegisterInfo(FanInfoName, func(Params) (Info, error) {
		return NewFanInfo(), nil
	}))
	err = multierr.Append(err, r.RegisterInfo(ThermalInfoName, func(p Params) (Info, error) {
		params, err := thermalParams(p, d.Thermal)
		if err != nil {
			return nil, err
		}
		return NewThermalInfo(params), nil
	}))
	err = multierr.Append(err, r.RegisterInfo(PsuInfoName, func(Params) (Info, error) {
		return NewPsuInfo(), nil
	}))
	err = multierr.Append(err, r.RegisterInfo(ChassisInfoName, func(Params) (Info, error) {
		return NewChassisInfo(), nil
	}))

	for _, c := range builtinConditions {
		cond := c.cond
		err = multierr.Append(err, r.RegisterCondition(c.key, func(Params) (Condition, error) {
			return cond, nil
		}))
	}

	err = multierr.Append(err, r.RegisterAction(ActSetSpeed, func(p Params) (Action, error) {
		if _, ok := p["speed"]; !ok {
			return nil, invalidParam("speed", nil)
		}
		speed, err := p.Speed("speed", 0)
		if err != nil {
			return nil, err
		}
		return &SetAllFanSpeedAction{Speed: speed, logger: log}, nil
	}))
	err = multierr.Append(err, r.RegisterAction(ActSetSpeedDefault, func(p Params) (Action, error) {
		speed, err := p.Speed("speed", d.DefaultSpeed)
		if err != nil {
			return nil, err
		}
		return &SetAllFanSpeedAction{Speed: speed, logger: log}, nil
	}))
	err = multierr.Append(err, r.RegisterAction(ActSetSpeedMax, func(p Params) (Action, error) {
		speed, err := p.Speed("speed", d.MaxSpeed)
		if err != nil {
			return nil, err
		}
		return &SetAllFanSpeedAction{Speed: speed, logger: log}, nil
	}))
	err = multierr.Append(err, r.RegisterAction(ActTempCheck, func(p Params) (Action, error) {
		def, err := p.Speed("default_speed", d.DefaultSpeed)
		if err != nil {
			return nil, err
		}
		maxSpeed, err := p.Speed("max_speed", d.MaxSpeed)
		if err != nil {
			return nil, err
		}
		return &RecoverAction{DefaultSpeed: def, MaxSpeed: maxSpeed, logger: log}, nil
	}))
	err = multierr.Append(err, r.RegisterAction(ActShutdown, func(p Params) (Action, error) {
		reason, err := p.String("reason", DefaultShutdownReason)
		if err != nil {
			return nil, err
		}
		return &ShutdownAction{Reason: reason, logger: log}, nil
	}))

	return err
}

func thermalParams(p Params, d ThermalParams) (ThermalParams, error) {
	var (
		params ThermalParams
		err    error
	)

	if params.Tolerance, err = p.Float("tolerance", d.Tolerance); err != nil {
		return params, err
	}
	if params.HighThreshold, err = p.Float("high_threshold", d.HighThreshold); err != nil {
		return params, err
	}
	if params.LowThreshold, err = p.Float("low_threshold", d.LowThreshold); err != nil {
		return params, err
	}
	if params.CriticalSensor, err = p.Int("critical_sensor", d.CriticalSensor); err != nil {
		return params, err
	}
	if params.Tolerance < 0 {
		return params, invalidParam("tolerance", params.Tolerance)
	}

	return params, nil
}

// NewDefaultRegistry returns a sealed registry holding the built-ins
func NewDefaultRegistry(d Defaults, log logger.Logger) (*Registry, error) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, d, log); err != nil {
		return nil, err
	}
	r.Seal()

	return r, nil
}
