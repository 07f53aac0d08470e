// Package hwtest provides an in-memory chassis for exercising the thermal
// engine without hardware.
package hwtest

import (
	"errors"
	"sync"

	"codeberg.org/mutker/thermalctl/internal/hw"
)

// ErrInjected is returned by calls configured to fail
var ErrInjected = errors.New("injected hardware failure")

// Fan is a fake fan. Fields are guarded by the mutex; use the setters from
// tests running alongside a Manager.
type Fan struct {
	mu         sync.Mutex
	name       string
	present    bool
	healthy    bool
	speed      int
	setCalls   []int
	failSet    bool
	failStatus bool
}

func NewFan(name string, present, healthy bool) *Fan {
	return &Fan{name: name, present: present, healthy: healthy}
}

func (f *Fan) Name() string { return f.name }

func (f *Fan) Presence() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present, nil
}

func (f *Fan) Status() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatus {
		return false, ErrInjected
	}
	return f.healthy, nil
}

func (f *Fan) SetSpeed(percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, percent)
	if f.failSet {
		return ErrInjected
	}
	f.speed = percent
	return nil
}

func (f *Fan) SetPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = present
}

func (f *Fan) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// FailSetSpeed makes subsequent SetSpeed calls fail
func (f *Fan) FailSetSpeed(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSet = fail
}

// FailStatus makes subsequent Status calls fail
func (f *Fan) FailStatus(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = fail
}

// Speed returns the last successfully applied speed
func (f *Fan) Speed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed
}

// SetCalls returns every speed passed to SetSpeed, including failed ones
func (f *Fan) SetCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.setCalls...)
}

// Thermal is a fake temperature sensor
type Thermal struct {
	mu       sync.Mutex
	name     string
	temp     float64
	high     float64
	critical float64
	fail     bool
}

func NewThermal(name string, temp, high, critical float64) *Thermal {
	return &Thermal{name: name, temp: temp, high: high, critical: critical}
}

func (t *Thermal) Name() string { return t.name }

func (t *Thermal) Temperature() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return 0, ErrInjected
	}
	return t.temp, nil
}

func (t *Thermal) HighThreshold() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.high, nil
}

func (t *Thermal) HighCriticalThreshold() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.critical, nil
}

func (t *Thermal) SetTemperature(temp float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.temp = temp
}

// Fail makes subsequent Temperature calls fail
func (t *Thermal) Fail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

// Psu is a fake power supply
type Psu struct {
	mu        sync.Mutex
	name      string
	present   bool
	powerGood bool
}

func NewPsu(name string, present, powerGood bool) *Psu {
	return &Psu{name: name, present: present, powerGood: powerGood}
}

func (p *Psu) Name() string { return p.name }

func (p *Psu) Presence() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present, nil
}

func (p *Psu) PowerGood() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powerGood, nil
}

func (p *Psu) SetState(present, powerGood bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present = present
	p.powerGood = powerGood
}

// Chassis is a fake chassis that also records alarms
type Chassis struct {
	FanList     []*Fan
	ThermalList []*Thermal
	PsuList     []*Psu

	mu     sync.Mutex
	alarms []string
}

func (c *Chassis) Fans() []hw.Fan {
	fans := make([]hw.Fan, 0, len(c.FanList))
	for _, f := range c.FanList {
		fans = append(fans, f)
	}
	return fans
}

func (c *Chassis) Thermals() []hw.Thermal {
	thermals := make([]hw.Thermal, 0, len(c.ThermalList))
	for _, t := range c.ThermalList {
		thermals = append(thermals, t)
	}
	return thermals
}

func (c *Chassis) Psus() []hw.Psu {
	psus := make([]hw.Psu, 0, len(c.PsuList))
	for _, p := range c.PsuList {
		psus = append(psus, p)
	}
	return psus
}

func (c *Chassis) RaiseAlarm(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarms = append(c.alarms, reason)
	return nil
}

// Alarms returns every reason passed to RaiseAlarm
func (c *Chassis) Alarms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.alarms...)
}

var (
	_ hw.Chassis = (*Chassis)(nil)
	_ hw.Alarmer = (*Chassis)(nil)
)
