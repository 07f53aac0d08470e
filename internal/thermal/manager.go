package thermal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/hw"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"go.uber.org/multierr"
)

const DefaultInterval = 60 * time.Second

// State of a Manager
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Manager runs the policy tick loop for one chassis. Info history is kept
// across Stop and Start; Deinitialize drops it together with the loaded
// policies.
type Manager struct {
	chassis   hw.Chassis
	registry  *Registry
	interval  time.Duration
	monitor   bool
	logger    logger.Logger
	observers []Observer

	// lifecycle serializes Load, Initialize, Start, Stop and Deinitialize
	lifecycle   sync.Mutex
	set         *PolicySet
	initialized bool
	cancel      context.CancelFunc
	done        chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

// Option customizes a Manager
type Option func(*Manager)

func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.logger = log }
}

// WithMonitorMode makes ticks collect and evaluate without acting
func WithMonitorMode(monitor bool) Option {
	return func(m *Manager) { m.monitor = monitor }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// NewManager returns a stopped Manager. Policies are created through
// registry.
func NewManager(chassis hw.Chassis, registry *Registry, opts ...Option) (*Manager, error) {
	errFactory := errors.New()

	if chassis == nil || registry == nil {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "manager needs a chassis and a registry")
	}

	m := &Manager{
		chassis:  chassis,
		registry: registry,
		interval: DefaultInterval,
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, m.interval.String())
	}

	return m, nil
}

// Load reads a policy file and binds it. It fails while running.
func (m *Manager) Load(path string) error {
	f, err := ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadFile(f)
}

// LoadFile binds an already parsed policy file
func (m *Manager) LoadFile(f *File) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.runningLocked() {
		return errors.New().New(ErrAlreadyRunning)
	}

	set, err := Build(f, m.registry)
	if err != nil {
		return err
	}

	m.set = set
	m.initialized = false

	m.logger.Info().
		Int("policies", len(set.Policies)).
		Int("infos", len(set.Infos.order)).
		Msg("Thermal policies loaded")

	return nil
}

// Initialize checks the loaded Infos against the chassis
func (m *Manager) Initialize() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.set == nil {
		return errors.New().New(ErrNotLoaded)
	}

	for _, info := range m.set.Infos.order {
		v, ok := info.(Validator)
		if !ok {
			continue
		}
		if err := v.Validate(m.chassis); err != nil {
			return errors.New().Wrap(errors.CodeOf(err), err).WithMessage("info " + info.Name())
		}
	}
	m.initialized = true

	return nil
}

// Start spawns the tick loop. The first tick runs immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.initialized {
		return errors.New().New(ErrNotInitialized)
	}
	if m.runningLocked() {
		return errors.New().New(ErrAlreadyRunning)
	}
	if m.cancel != nil {
		// the previous loop exited on its own; release its context
		m.cancel()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	m.mu.Lock()
	m.state, m.err = StateRunning, nil
	m.mu.Unlock()

	go m.loop(loopCtx, done)

	m.logger.Info().Dur("interval", m.interval).Bool("monitor", m.monitor).Msg("Thermal control started")

	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish. It
// returns the error that crashed the loop, if any. When the policy file
// sets fan_speed_when_suspend every present fan is then set to it.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	if m.done == nil {
		return nil
	}

	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil

	m.mu.Lock()
	m.state = StateStopped
	err := m.err
	m.mu.Unlock()

	if m.set != nil && m.set.FanSpeedWhenSuspend != nil {
		speed := *m.set.FanSpeedWhenSuspend
		fans := livePresentFans(m.chassis, m.logger)
		if e := setAllFanSpeed(fans, speed, m.logger); e != nil {
			err = multierr.Append(err, e)
		}
		m.logger.Info().Int("speed", speed).Msg("Fans set to suspend speed")
	}

	m.logger.Info().Msg("Thermal control stopped")

	return err
}

// Deinitialize stops the loop and drops the loaded policies and Info
// history
func (m *Manager) Deinitialize() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	err := m.stopLocked()
	m.set = nil
	m.initialized = false

	return err
}

// State reports whether the loop is running. A crashed loop reports
// StateStopped.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done returns a channel closed when the current loop exits, after Stop,
// after the Start context is cancelled, or because a tick crashed. It is closed already when no loop runs.
func (m *Manager) Done() <-chan struct{} {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.done
}

// Err returns the error that crashed the loop
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// RunPolicies runs a single tick synchronously. It fails while the loop is
// running.
func (m *Manager) RunPolicies(ctx context.Context) (*TickReport, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.initialized {
		return nil, errors.New().New(ErrNotInitialized)
	}
	if m.runningLocked() {
		return nil, errors.New().New(ErrAlreadyRunning)
	}

	return m.tick(ctx), nil
}

// runningLocked reports whether a loop goroutine is still alive. The
// caller holds lifecycle.
func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		var err error
		if r := recover(); r != nil {
			err = errors.New().WithData(ErrTickPanic, fmt.Sprint(r))
		}

		m.mu.Lock()
		m.state = StateStopped
		if err != nil {
			m.err = err
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error().Err(err).Msg("Thermal control loop crashed")
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) tick(ctx context.Context) *TickReport {
	start := time.Now()
	infos := m.set.Infos
	report := &TickReport{Time: start}

	for _, info := range infos.order {
		if err := info.Collect(ctx, m.chassis); err != nil {
			if report.CollectErrors == nil {
				report.CollectErrors = make(map[string]error)
			}
			report.CollectErrors[info.Name()] = err
			m.logger.Warn().Err(err).Str("info", info.Name()).Msg("Collect failed, keeping previous state")
		}
	}

	var matched []*Policy
	for _, p := range m.set.Policies {
		if p.Matches(infos) {
			matched = append(matched, p)
			report.Matched = append(report.Matched, p.Name)
		}
	}

	for _, p := range matched {
		if m.monitor {
			m.logger.Info().Str("policy", p.Name).Strs("actions", p.ActionKeys()).Msg("Policy matched (monitor mode)")
			continue
		}

		m.logger.Debug().Str("policy", p.Name).Msg("Policy matched")
		for _, a := range p.actions {
			report.Executed = append(report.Executed, p.Name+"/"+a.key)
			if err := a.Execute(ctx, infos); err != nil {
				report.ActionErrors = append(report.ActionErrors, ActionError{Policy: p.Name, Action: a.key, Err: err})
				m.logger.Warn().Err(err).Str("policy", p.Name).Str("action", a.key).Msg("Action failed")
			}
		}
	}

	summarize(report, infos)
	report.Duration = time.Since(start)

	observeCtx := context.WithoutCancel(ctx)
	for _, o := range m.observers {
		o.ObserveTick(observeCtx, report)
	}

	return report
}
