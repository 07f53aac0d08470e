package thermal

import (
	"context"
	"fmt"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/hw"
)

// Info keys
const (
	FanInfoName     = "fan_info"
	ThermalInfoName = "thermal_info"
	PsuInfoName     = "psu_info"
	ChassisInfoName = "chassis_info"
)

// Info is a snapshot of hardware state refreshed once per tick. An Info
// owns whatever history it needs between ticks. Collect either commits a
// complete new snapshot or returns an error and keeps the previous one.
type Info interface {
	Name() string
	Collect(ctx context.Context, chassis hw.Chassis) error
}

// Validator is implemented by Infos whose parameters must be checked
// against the chassis before the engine starts.
type Validator interface {
	Validate(chassis hw.Chassis) error
}

// InfoSet holds the Infos of one policy set. The well-known Infos have
// typed fields; any other registered Info is reachable through Lookup.
type InfoSet struct {
	Fan     *FanInfo
	Thermal *ThermalInfo
	Psu     *PsuInfo
	Chassis *ChassisInfo

	order  []Info
	byName map[string]Info
}

// NewInfoSet groups infos, rejecting duplicate names
func NewInfoSet(infos ...Info) (*InfoSet, error) {
	s := &InfoSet{byName: make(map[string]Info, len(infos))}
	for _, info := range infos {
		if err := s.add(info); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *InfoSet) add(info Info) error {
	name := info.Name()
	if _, ok := s.byName[name]; ok {
		return errors.New().WithData(ErrDuplicateKey, "info "+name)
	}

	switch v := info.(type) {
	case *FanInfo:
		s.Fan = v
	case *ThermalInfo:
		s.Thermal = v
	case *PsuInfo:
		s.Psu = v
	case *ChassisInfo:
		s.Chassis = v
	}
	s.byName[name] = info
	s.order = append(s.order, info)

	return nil
}

// Lookup returns the Info with the given name
func (s *InfoSet) Lookup(name string) (Info, bool) {
	info, ok := s.byName[name]
	return info, ok
}

// All returns the Infos in collection order
func (s *InfoSet) All() []Info {
	return append([]Info(nil), s.order...)
}

func collectErr(subject string, err error) error {
	return errors.New().Wrap(ErrCollectFailed, err).WithMessage("collect " + subject)
}

// FanInfo partitions the chassis fans into present and absent, and tracks
// which present fans report a fault.
type FanInfo struct {
	presence []hw.Fan
	absence  []hw.Fan
	fault    []hw.Fan

	presentNames map[string]struct{}
	collected    bool
	changed      bool
}

func NewFanInfo() *FanInfo {
	return &FanInfo{}
}

func (*FanInfo) Name() string { return FanInfoName }

func (i *FanInfo) Collect(_ context.Context, chassis hw.Chassis) error {
	var presence, absence, fault []hw.Fan
	names := make(map[string]struct{})

	for _, fan := range chassis.Fans() {
		present, err := fan.Presence()
		if err != nil {
			return collectErr("fan "+fan.Name(), err)
		}
		if !present {
			absence = append(absence, fan)
			continue
		}

		presence = append(presence, fan)
		names[fan.Name()] = struct{}{}

		ok, err := fan.Status()
		if err != nil {
			return collectErr("fan "+fan.Name(), err)
		}
		if !ok {
			fault = append(fault, fan)
		}
	}

	i.changed = i.collected && !sameNames(i.presentNames, names)
	i.presence, i.absence, i.fault = presence, absence, fault
	i.presentNames = names
	i.collected = true

	return nil
}

func sameNames(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if _, ok := b[name]; !ok {
			return false
		}
	}
	return true
}

func (i *FanInfo) PresenceFans() []hw.Fan { return append([]hw.Fan(nil), i.presence...) }
func (i *FanInfo) AbsenceFans() []hw.Fan  { return append([]hw.Fan(nil), i.absence...) }
func (i *FanInfo) FaultFans() []hw.Fan    { return append([]hw.Fan(nil), i.fault...) }

// IsPresenceChanged reports whether the set of present fans differs from
// the previous collect. It is false after the first collect.
func (i *FanInfo) IsPresenceChanged() bool { return i.changed }

// ThermalParams tune ThermalInfo
type ThermalParams struct {
	// Tolerance is the average change, in Celsius, below which neither
	// warm-up nor cool-down is reported
	Tolerance float64
	// HighThreshold of the average; 0 takes the critical sensor's own
	// high threshold. A threshold that is still 0 is unavailable and its
	// flag never sets.
	HighThreshold float64
	LowThreshold  float64
	// CriticalSensor indexes the chassis thermal list
	CriticalSensor int
}

// ThermalState is a copy of ThermalInfo's derived values
type ThermalState struct {
	Sensors           int
	CurrentAverage    float64
	PreviousAverage   float64
	HighThreshold     float64
	LowThreshold      float64
	CriticalTemp      float64
	CriticalThreshold float64
	WarmUp            bool
	CoolDown          bool
	OverHigh          bool
	BelowLow          bool
	OverHighCritical  bool
}

// ThermalInfo averages every chassis sensor and compares the average with
// the previous tick's to derive warm-up and cool-down.
type ThermalInfo struct {
	params ThermalParams
	state  ThermalState
	seeded bool
}

func NewThermalInfo(params ThermalParams) *ThermalInfo {
	return &ThermalInfo{params: params}
}

func (*ThermalInfo) Name() string { return ThermalInfoName }

func (i *ThermalInfo) Validate(chassis hw.Chassis) error {
	n := len(chassis.Thermals())
	if n == 0 {
		return errors.New().New(ErrNoSensors)
	}
	if i.params.CriticalSensor < 0 || i.params.CriticalSensor >= n {
		return errors.New().WithData(ErrInvalidParams,
			fmt.Sprintf("critical_sensor=%d with %d sensors", i.params.CriticalSensor, n))
	}
	return nil
}

func (i *ThermalInfo) Collect(_ context.Context, chassis hw.Chassis) error {
	thermals := chassis.Thermals()
	if len(thermals) == 0 {
		return errors.New().New(ErrNoSensors)
	}
	idx := i.params.CriticalSensor
	if idx < 0 || idx >= len(thermals) {
		return errors.New().WithData(ErrInvalidParams, fmt.Sprintf("critical_sensor=%d", idx))
	}

	temps := make([]float64, len(thermals))
	var sum float64
	for n, t := range thermals {
		temp, err := t.Temperature()
		if err != nil {
			return collectErr("thermal "+t.Name(), err)
		}
		temps[n] = temp
		sum += temp
	}
	avg := sum / float64(len(thermals))

	critical := thermals[idx]
	criticalThreshold, err := critical.HighCriticalThreshold()
	if err != nil {
		return collectErr("thermal "+critical.Name(), err)
	}

	high := i.params.HighThreshold
	if high == 0 {
		if high, err = critical.HighThreshold(); err != nil {
			return collectErr("thermal "+critical.Name(), err)
		}
	}
	low := i.params.LowThreshold

	previous := avg
	if i.seeded {
		previous = i.state.CurrentAverage
	}
	tolerance := i.params.Tolerance

	i.state = ThermalState{
		Sensors:           len(thermals),
		CurrentAverage:    avg,
		PreviousAverage:   previous,
		HighThreshold:     high,
		LowThreshold:      low,
		CriticalTemp:      temps[idx],
		CriticalThreshold: criticalThreshold,
		WarmUp:            avg > previous && avg-previous > tolerance,
		CoolDown:          avg < previous && previous-avg > tolerance,
		OverHigh:          high > 0 && avg >= high,
		BelowLow:          avg <= low,
		OverHighCritical:  criticalThreshold > 0 && temps[idx] >= criticalThreshold,
	}
	i.seeded = true

	return nil
}

func (i *ThermalInfo) State() ThermalState { return i.state }

func (i *ThermalInfo) IsWarmUp() bool                    { return i.state.WarmUp }
func (i *ThermalInfo) IsCoolDown() bool                  { return i.state.CoolDown }
func (i *ThermalInfo) IsOverHighThreshold() bool         { return i.state.OverHigh }
func (i *ThermalInfo) IsBelowLowThreshold() bool         { return i.state.BelowLow }
func (i *ThermalInfo) IsOverHighCriticalThreshold() bool { return i.state.OverHighCritical }

func (i *ThermalInfo) IsWarmUpAndOverHighThreshold() bool {
	return i.state.WarmUp && i.state.OverHigh
}

func (i *ThermalInfo) IsCoolDownAndBelowLowThreshold() bool {
	return i.state.CoolDown && i.state.BelowLow
}

// PsuInfo partitions the chassis PSUs. A PSU counts as present only while
// it also reports power good.
type PsuInfo struct {
	presence []hw.Psu
	absence  []hw.Psu
}

func NewPsuInfo() *PsuInfo {
	return &PsuInfo{}
}

func (*PsuInfo) Name() string { return PsuInfoName }

func (i *PsuInfo) Collect(_ context.Context, chassis hw.Chassis) error {
	var presence, absence []hw.Psu

	for _, psu := range chassis.Psus() {
		present, err := psu.Presence()
		if err != nil {
			return collectErr("psu "+psu.Name(), err)
		}
		if present {
			if present, err = psu.PowerGood(); err != nil {
				return collectErr("psu "+psu.Name(), err)
			}
		}

		if present {
			presence = append(presence, psu)
		} else {
			absence = append(absence, psu)
		}
	}

	i.presence, i.absence = presence, absence

	return nil
}

func (i *PsuInfo) PresencePsus() []hw.Psu { return append([]hw.Psu(nil), i.presence...) }
func (i *PsuInfo) AbsencePsus() []hw.Psu  { return append([]hw.Psu(nil), i.absence...) }

// ChassisInfo gives conditions and actions access to the chassis itself
type ChassisInfo struct {
	chassis hw.Chassis
}

func NewChassisInfo() *ChassisInfo {
	return &ChassisInfo{}
}

func (*ChassisInfo) Name() string { return ChassisInfoName }

func (i *ChassisInfo) Collect(_ context.Context, chassis hw.Chassis) error {
	i.chassis = chassis
	return nil
}

// Chassis returns the chassis of the last collect, nil before the first
func (i *ChassisInfo) Chassis() hw.Chassis { return i.chassis }

var (
	_ Info      = (*FanInfo)(nil)
	_ Info      = (*ThermalInfo)(nil)
	_ Info      = (*PsuInfo)(nil)
	_ Info      = (*ChassisInfo)(nil)
	_ Validator = (*ThermalInfo)(nil)
)
