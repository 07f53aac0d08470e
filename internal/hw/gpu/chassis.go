package gpu

import (
	"fmt"
	"sync"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/hw"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"go.uber.org/multierr"
)

// Chassis exposes every NVIDIA GPU in the system as thermal sensors and
// fans. GPUs carry no PSUs.
type Chassis struct {
	lib      library
	fans     []*Fan
	thermals []*Thermal
	logger   logger.Logger
}

// New initializes NVML and enumerates all GPUs
func New(log logger.Logger) (*Chassis, error) {
	return newChassis(nvmlLibrary{}, log)
}

func newChassis(lib library, log logger.Logger) (*Chassis, error) {
	errFactory := errors.New()

	if ret := lib.Init(); !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	count, ret := lib.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		lib.Shutdown()
		return nil, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	c := &Chassis{lib: lib, logger: log}
	for i := 0; i < count; i++ {
		d, ret := lib.DeviceGetHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			lib.Shutdown()
			return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
		}

		if err := c.addDevice(i, d); err != nil {
			lib.Shutdown()
			return nil, err
		}
	}

	log.Debug().
		Int("gpus", len(c.thermals)).
		Int("fans", len(c.fans)).
		Msg("NVML chassis initialized")

	return c, nil
}

func (c *Chassis) addDevice(index int, d device) error {
	errFactory := errors.New()
	id := fmt.Sprintf("gpu%d", index)

	if name, ret := d.GetName(); IsNVMLSuccess(ret) {
		c.logger.Info().Str("gpu", id).Msgf("Detected GPU: %v", name)
	}

	fanCount, ret := d.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrFanCountFailed, newNVMLError(ret))
	}

	minSpeed, maxSpeed, ret := d.GetMinMaxFanSpeed()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrGetFanLimitsFailed, newNVMLError(ret))
	}
	limits := FanSpeedLimits{Min: minSpeed, Max: maxSpeed}

	for i := 0; i < fanCount; i++ {
		c.fans = append(c.fans, &Fan{
			name:   fmt.Sprintf("%s-fan%d", id, i),
			device: d,
			index:  i,
			limits: limits,
		})
	}
	c.thermals = append(c.thermals, &Thermal{name: id, device: d})

	return nil
}

func (c *Chassis) Fans() []hw.Fan {
	fans := make([]hw.Fan, 0, len(c.fans))
	for _, f := range c.fans {
		fans = append(fans, f)
	}
	return fans
}

func (c *Chassis) Thermals() []hw.Thermal {
	thermals := make([]hw.Thermal, 0, len(c.thermals))
	for _, t := range c.thermals {
		thermals = append(thermals, t)
	}
	return thermals
}

func (*Chassis) Psus() []hw.Psu {
	return nil
}

// RestoreDefaults hands every fan back to the driver's automatic curve
func (c *Chassis) RestoreDefaults() error {
	errFactory := errors.New()

	var err error
	for _, f := range c.fans {
		if ret := f.device.SetDefaultFanSpeed(f.index); !IsNVMLSuccess(ret) {
			err = multierr.Append(err, errFactory.WithData(ErrEnableAutoFan, f.name))
		}
	}
	c.logger.Debug().Msg("Auto fan control: enabled")

	return err
}

// Shutdown releases NVML
func (c *Chassis) Shutdown() error {
	if ret := c.lib.Shutdown(); !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}
	return nil
}

// FanSpeedLimits are the duty bounds reported by the driver
type FanSpeedLimits struct {
	Min, Max int
}

// Fan is one fan of one GPU
type Fan struct {
	name   string
	device device
	index  int
	limits FanSpeedLimits
	mu     sync.Mutex
}

func (f *Fan) Name() string { return f.name }

// Presence is false once the driver reports the GPU as lost
func (f *Fan) Presence() (bool, error) {
	_, ret := f.device.GetFanSpeed_v2(f.index)
	switch ret {
	case nvml.SUCCESS, nvml.ERROR_NOT_SUPPORTED:
		return true, nil
	case nvml.ERROR_GPU_IS_LOST, nvml.ERROR_NOT_FOUND:
		return false, nil
	default:
		return false, errors.New().Wrap(ErrGetFanSpeedFailed, newNVMLError(ret))
	}
}

// Status is true while the fan speed can be read back
func (f *Fan) Status() (bool, error) {
	_, ret := f.device.GetFanSpeed_v2(f.index)
	return IsNVMLSuccess(ret), nil
}

func (f *Fan) SetSpeed(percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	speed := clamp(percent, f.limits.Min, f.limits.Max)
	if ret := f.device.SetFanSpeed(f.index, speed); !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrSetFanSpeed, newNVMLError(ret))
	}

	return nil
}

// Thermal is the GPU core sensor. Its thresholds are the driver's slowdown
// and shutdown temperatures.
type Thermal struct {
	name   string
	device device
}

func (t *Thermal) Name() string { return t.name }

func (t *Thermal) Temperature() (float64, error) {
	temp, ret := t.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}
	return float64(temp), nil
}

func (t *Thermal) HighThreshold() (float64, error) {
	return t.threshold(nvml.TEMPERATURE_THRESHOLD_SLOWDOWN)
}

func (t *Thermal) HighCriticalThreshold() (float64, error) {
	return t.threshold(nvml.TEMPERATURE_THRESHOLD_SHUTDOWN)
}

func (t *Thermal) threshold(kind nvml.TemperatureThresholds) (float64, error) {
	temp, ret := t.device.GetTemperatureThreshold(kind)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrThresholdReadFailed, newNVMLError(ret))
	}
	return float64(temp), nil
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}

var (
	_ hw.Chassis  = (*Chassis)(nil)
	_ hw.Restorer = (*Chassis)(nil)
)
