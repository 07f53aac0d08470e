package thermal_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/hw/hwtest"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reports struct {
	mu   sync.Mutex
	list []*thermal.TickReport
}

func (r *reports) ObserveTick(_ context.Context, report *thermal.TickReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, report)
}

func (r *reports) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

func newManager(t *testing.T, chassis *hwtest.Chassis, r *thermal.Registry, doc string, opts ...thermal.Option) *thermal.Manager {
	t.Helper()
	if r == nil {
		r = defaultRegistry(t)
	}
	m, err := thermal.NewManager(chassis, r, append([]thermal.Option{thermal.WithLogger(logger.Nop())}, opts...)...)
	require.NoError(t, err)

	f, err := thermal.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, m.LoadFile(f))
	require.NoError(t, m.Initialize())

	return m
}

func threeFans() []*hwtest.Fan {
	return []*hwtest.Fan{
		hwtest.NewFan("fan0", true, true),
		hwtest.NewFan("fan1", true, true),
		hwtest.NewFan("fan2", true, true),
	}
}

func TestAllFansAbsentSetsNothing(t *testing.T) {
	m := newManager(t, &hwtest.Chassis{}, nil, `{
		"info_types": ["fan_info"],
		"policies": [{"name": "p1", "conditions": ["fan.all.absence"], "actions": ["fan.all.set_speed_max"]}]
	}`)

	report, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, report.Matched)
	assert.Equal(t, []string{"p1/fan.all.set_speed_max"}, report.Executed)
	assert.Empty(t, report.ActionErrors)
	assert.Empty(t, report.CollectErrors)
}

func TestWarmUpOverHighSetsDefaultSpeed(t *testing.T) {
	chassis := thermalChassis(70)
	chassis.FanList = threeFans()
	m := newManager(t, chassis, nil, `{
		"info_types": ["fan_info", {"type": "thermal_info", "high_threshold": 80}],
		"policies": [{"name": "temp", "conditions": ["fan.all.presence"], "actions": ["thermal.temp_check_and_set_all_fan_speed"]}]
	}`)

	_, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	for _, fan := range chassis.FanList {
		assert.Empty(t, fan.SetCalls())
	}

	chassis.ThermalList[0].SetTemperature(82)
	report, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Thermal)
	assert.True(t, report.Thermal.WarmUp)
	assert.True(t, report.Thermal.OverHigh)
	for _, fan := range chassis.FanList {
		assert.Equal(t, []int{thermal.DefaultFanSpeed}, fan.SetCalls(), fan.Name())
	}
}

func TestCoolDownBelowLowSetsMaxSpeed(t *testing.T) {
	chassis := thermalChassis(45)
	chassis.FanList = threeFans()
	m := newManager(t, chassis, nil, `{
		"info_types": ["fan_info", "thermal_info"],
		"policies": [{"name": "temp", "actions": ["thermal.temp_check_and_set_all_fan_speed"]}]
	}`)

	_, err := m.RunPolicies(context.Background())
	require.NoError(t, err)

	chassis.ThermalList[0].SetTemperature(35)
	_, err = m.RunPolicies(context.Background())
	require.NoError(t, err)
	for _, fan := range chassis.FanList {
		assert.Equal(t, []int{thermal.MaxFanSpeed}, fan.SetCalls(), fan.Name())
	}
}

// flagRegistry has a condition that reads flag and an action that sets it
func flagRegistry(t *testing.T, flag *atomic.Bool) *thermal.Registry {
	t.Helper()
	r := thermal.NewRegistry()
	require.NoError(t, thermal.RegisterBuiltins(r, thermal.DefaultDefaults(), logger.Nop()))
	require.NoError(t, r.RegisterCondition("flag.set", func(thermal.Params) (thermal.Condition, error) {
		return thermal.ConditionFunc(func(*thermal.InfoSet) bool { return flag.Load() }), nil
	}))
	require.NoError(t, r.RegisterAction("flag.raise", func(thermal.Params) (thermal.Action, error) {
		return thermal.ActionFunc(func(context.Context, *thermal.InfoSet) error {
			flag.Store(true)
			return nil
		}), nil
	}))
	require.NoError(t, r.RegisterAction("panic", func(thermal.Params) (thermal.Action, error) {
		return thermal.ActionFunc(func(context.Context, *thermal.InfoSet) error { panic("boom") }), nil
	}))
	r.Seal()
	return r
}

func TestEvaluateBeforeAct(t *testing.T) {
	var flag atomic.Bool
	m := newManager(t, &hwtest.Chassis{}, flagRegistry(t, &flag), `{
		"info_types": ["fan_info"],
		"policies": [
			{"name": "raise", "actions": ["flag.raise"]},
			{"name": "follow", "conditions": ["flag.set"], "actions": ["fan.all.set_speed_max"]}
		]
	}`)

	report, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"raise"}, report.Matched, "conditions see the state from before the act phase")

	report, err = m.RunPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"raise", "follow"}, report.Matched)
	assert.Equal(t, []string{"raise/flag.raise", "follow/fan.all.set_speed_max"}, report.Executed)
}

func TestCollectErrorDoesNotStopTick(t *testing.T) {
	chassis := thermalChassis(50)
	chassis.FanList = []*hwtest.Fan{hwtest.NewFan("fan0", false, true)}
	m := newManager(t, chassis, nil, `{
		"info_types": ["thermal_info", "fan_info"],
		"policies": [{"name": "absent", "conditions": ["fan.any.absence"], "actions": []}]
	}`)

	chassis.ThermalList[0].Fail(true)
	report, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.CollectErrors, thermal.ThermalInfoName)
	assert.Equal(t, []string{"absent"}, report.Matched)
	assert.Equal(t, []string{"fan0"}, report.Fans.Absent)
	assert.Nil(t, report.Thermal)
}

func TestMonitorModeDoesNotAct(t *testing.T) {
	chassis := &hwtest.Chassis{FanList: threeFans()}
	m := newManager(t, chassis, nil, `{
		"info_types": ["fan_info"],
		"policies": [{"name": "max", "actions": ["fan.all.set_speed_max"]}]
	}`, thermal.WithMonitorMode(true))

	report, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"max"}, report.Matched)
	assert.Empty(t, report.Executed)
	for _, fan := range chassis.FanList {
		assert.Empty(t, fan.SetCalls())
	}
}

func TestManagerLifecycle(t *testing.T) {
	obs := &reports{}
	chassis := &hwtest.Chassis{FanList: threeFans()}
	m := newManager(t, chassis, nil, `{
		"info_types": ["fan_info"],
		"policies": [{"name": "default", "actions": ["fan.all.set_speed_default"]}],
		"fan_speed_when_suspend": 30
	}`, thermal.WithInterval(time.Hour), thermal.WithObserver(obs))

	assert.Equal(t, thermal.StateStopped, m.State())
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, thermal.StateRunning, m.State())

	// the first tick does not wait for the interval
	assert.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 5*time.Millisecond)

	err := m.Start(context.Background())
	assert.True(t, errors.HasCode(err, thermal.ErrAlreadyRunning))
	_, err = m.RunPolicies(context.Background())
	assert.True(t, errors.HasCode(err, thermal.ErrAlreadyRunning))

	// Stop interrupts the hour-long sleep and joins the loop
	done := make(chan error, 1)
	go func() { done <- m.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, thermal.StateStopped, m.State())
	assert.Equal(t, 1, obs.count())
	for _, fan := range chassis.FanList {
		assert.Equal(t, []int{thermal.DefaultFanSpeed, 30}, fan.SetCalls())
	}

	// stopping twice is a no-op
	require.NoError(t, m.Stop())

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return obs.count() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
}

func TestManagerStopsWhenContextCancelled(t *testing.T) {
	obs := &reports{}
	chassis := &hwtest.Chassis{FanList: threeFans()}
	m := newManager(t, chassis, nil, `{
		"info_types": ["fan_info"],
		"policies": [{"name": "default", "actions": ["fan.all.set_speed_default"]}],
		"fan_speed_when_suspend": 30
	}`, thermal.WithInterval(time.Hour), thermal.WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	assert.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancel")
	}
	assert.Equal(t, thermal.StateStopped, m.State())
	require.NoError(t, m.Err())

	// the manager is idle again without an explicit Stop
	report, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"default/fan.all.set_speed_default"}, report.Executed)

	f, err := thermal.Parse([]byte(`{"info_types": ["fan_info"], "policies": [{"name": "noop"}]}`))
	require.NoError(t, err)
	require.NoError(t, m.LoadFile(f))
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return obs.count() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
}

func TestRepeatedTicksAreDeterministic(t *testing.T) {
	chassis := thermalChassis(85, 85)
	chassis.FanList = threeFans()
	chassis.FanList[2].SetHealthy(false)
	chassis.PsuList = []*hwtest.Psu{hwtest.NewPsu("psu0", true, true), hwtest.NewPsu("psu1", false, false)}
	m := newManager(t, chassis, nil, `{
		"info_types": ["fan_info", "psu_info", {"type": "thermal_info", "high_threshold": 80, "low_threshold": 40}],
		"policies": [
			{"name": "fault", "conditions": ["fan.any.fault"], "actions": ["fan.all.set_speed_max"]},
			{"name": "psu", "conditions": ["psu.any.absence", "psu.any.presence"], "actions": ["fan.all.set_speed_default"]},
			{"name": "hot", "conditions": ["thermal.over.high_threshold"], "actions": [{"type": "fan.all.set_speed", "speed": 90}]},
			{"name": "cold", "conditions": ["thermal.below.low_threshold"], "actions": ["fan.all.set_speed_default"]}
		]
	}`)

	first, err := m.RunPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fault", "psu", "hot"}, first.Matched)
	for range 4 {
		report, err := m.RunPolicies(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first.Matched, report.Matched)
		assert.Equal(t, first.Executed, report.Executed)
		assert.Empty(t, report.ActionErrors)
	}

	calls := chassis.FanList[0].SetCalls()
	require.Len(t, calls, 15)
	for i := 3; i < len(calls); i++ {
		assert.Equal(t, calls[i-3], calls[i])
	}
}

func TestManagerTicksOnInterval(t *testing.T) {
	obs := &reports{}
	m := newManager(t, &hwtest.Chassis{}, nil, `{
		"info_types": ["fan_info"],
		"policies": [{"name": "noop"}]
	}`, thermal.WithInterval(10*time.Millisecond), thermal.WithObserver(obs))

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return obs.count() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
}

func TestManagerContainsPanic(t *testing.T) {
	var flag atomic.Bool
	m := newManager(t, &hwtest.Chassis{}, flagRegistry(t, &flag), `{
		"info_types": ["fan_info"],
		"policies": [{"name": "crash", "actions": ["panic"]}]
	}`, thermal.WithInterval(time.Hour))

	require.NoError(t, m.Start(context.Background()))
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("crashed loop did not exit")
	}
	assert.Equal(t, thermal.StateStopped, m.State())
	assert.True(t, errors.HasCode(m.Err(), thermal.ErrTickPanic))

	err := m.Stop()
	assert.True(t, errors.HasCode(err, thermal.ErrTickPanic))
}

func TestManagerRequiresInitialize(t *testing.T) {
	m, err := thermal.NewManager(&hwtest.Chassis{}, defaultRegistry(t), thermal.WithLogger(logger.Nop()))
	require.NoError(t, err)

	assert.True(t, errors.HasCode(m.Initialize(), thermal.ErrNotLoaded))
	assert.True(t, errors.HasCode(m.Start(context.Background()), thermal.ErrNotInitialized))

	// thermal_info needs at least one sensor
	f, err := thermal.Parse([]byte(`{"policies": [{"name": "a"}]}`))
	require.NoError(t, err)
	require.NoError(t, m.LoadFile(f))
	assert.True(t, errors.HasCode(m.Initialize(), thermal.ErrNoSensors))

	require.NoError(t, m.Deinitialize())
	_, err = m.RunPolicies(context.Background())
	assert.True(t, errors.HasCode(err, thermal.ErrNotInitialized))
}

func TestNewManagerRejectsBadInterval(t *testing.T) {
	_, err := thermal.NewManager(&hwtest.Chassis{}, defaultRegistry(t), thermal.WithInterval(0))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}
