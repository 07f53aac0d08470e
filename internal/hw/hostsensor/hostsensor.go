// Package hostsensor exposes the host's hwmon/ACPI temperature sensors,
// as reported by gopsutil, as thermal collaborators.
package hostsensor

import (
	"context"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/hw"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"github.com/shirou/gopsutil/v3/host"
)

const (
	ErrSensorReadFailed = errors.ErrorCode("host_sensor_read_failed")
	ErrSensorNotFound   = errors.ErrorCode("host_sensor_not_found")
	ErrNoSensors        = errors.ErrorCode("host_no_sensors")

	// readings within this window are served from one scan
	snapshotTTL = 500 * time.Millisecond
)

// Reader returns the current temperature table
type Reader func(ctx context.Context) ([]host.TemperatureStat, error)

// Chassis exposes host sensors as thermals. It has no fans and no PSUs.
type Chassis struct {
	read     Reader
	now      func() time.Time
	thermals []*Thermal
	logger   logger.Logger

	mu      sync.Mutex
	taken   time.Time
	entries map[string]host.TemperatureStat
}

// Option customizes a Chassis
type Option func(*Chassis)

// WithReader replaces the gopsutil reader
func WithReader(r Reader) Option {
	return func(c *Chassis) { c.read = r }
}

// WithClock replaces time.Now for snapshot expiry
func WithClock(now func() time.Time) Option {
	return func(c *Chassis) { c.now = now }
}

// New scans the host sensors once and keeps those whose key starts with
// one of include (all of them when include is empty).
func New(log logger.Logger, include []string, opts ...Option) (*Chassis, error) {
	c := &Chassis{
		read:   host.SensorsTemperaturesWithContext,
		now:    time.Now,
		logger: log,
	}
	for _, opt := range opts {
		opt(c)
	}

	stats, err := c.scan()
	if err != nil {
		return nil, err
	}

	for _, s := range stats {
		if !matches(s.SensorKey, include) {
			continue
		}
		c.thermals = append(c.thermals, &Thermal{key: s.SensorKey, chassis: c})
	}
	if len(c.thermals) == 0 {
		return nil, errors.New().WithData(ErrNoSensors, include)
	}

	log.Debug().Int("sensors", len(c.thermals)).Msg("Host sensor chassis initialized")

	return c, nil
}

func matches(key string, include []string) bool {
	if len(include) == 0 {
		return true
	}
	for _, prefix := range include {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// scan reads the sensor table, tolerating partial results
func (c *Chassis) scan() ([]host.TemperatureStat, error) {
	stats, err := c.read(context.Background())
	if err != nil && len(stats) == 0 {
		return nil, errors.New().Wrap(ErrSensorReadFailed, err)
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("Partial host sensor read")
	}

	return stats, nil
}

func (c *Chassis) lookup(key string) (host.TemperatureStat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.entries == nil || now.Sub(c.taken) > snapshotTTL {
		stats, err := c.scan()
		if err != nil {
			return host.TemperatureStat{}, err
		}
		c.entries = make(map[string]host.TemperatureStat, len(stats))
		for _, s := range stats {
			c.entries[s.SensorKey] = s
		}
		c.taken = now
	}

	s, ok := c.entries[key]
	if !ok {
		return host.TemperatureStat{}, errors.New().WithData(ErrSensorNotFound, key)
	}

	return s, nil
}

func (*Chassis) Fans() []hw.Fan { return nil }

func (c *Chassis) Thermals() []hw.Thermal {
	thermals := make([]hw.Thermal, 0, len(c.thermals))
	for _, t := range c.thermals {
		thermals = append(thermals, t)
	}
	return thermals
}

func (*Chassis) Psus() []hw.Psu { return nil }

// Thermal is one host sensor
type Thermal struct {
	key     string
	chassis *Chassis
}

func (t *Thermal) Name() string { return t.key }

func (t *Thermal) Temperature() (float64, error) {
	s, err := t.chassis.lookup(t.key)
	return s.Temperature, err
}

// HighThreshold and HighCriticalThreshold are 0 when the driver publishes
// no trip point; the thermal engine treats 0 as unavailable.
func (t *Thermal) HighThreshold() (float64, error) {
	s, err := t.chassis.lookup(t.key)
	return s.High, err
}

func (t *Thermal) HighCriticalThreshold() (float64, error) {
	s, err := t.chassis.lookup(t.key)
	return s.Critical, err
}

var _ hw.Chassis = (*Chassis)(nil)
