package thermal

import (
	"context"
	"time"
)

// TickReport describes one collect, evaluate and act pass
type TickReport struct {
	Time     time.Time
	Duration time.Duration

	// CollectErrors maps Info names to the error that kept their previous
	// snapshot in place
	CollectErrors map[string]error
	// Matched holds the names of matching policies in declaration order
	Matched []string
	// Executed holds "policy/action" for every action run
	Executed     []string
	ActionErrors []ActionError

	Fans    FanSummary
	Psus    PsuSummary
	Thermal *ThermalState
}

// ActionError is one failed action execution
type ActionError struct {
	Policy string
	Action string
	Err    error
}

// FanSummary lists fan names by state
type FanSummary struct {
	Present []string
	Absent  []string
	Fault   []string
}

// PsuSummary lists PSU names by state
type PsuSummary struct {
	Present []string
	Absent  []string
}

// Observer receives every TickReport. Observers run on the tick goroutine
// after the act phase and must not block for long.
type Observer interface {
	ObserveTick(ctx context.Context, report *TickReport)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, report *TickReport)

func (f ObserverFunc) ObserveTick(ctx context.Context, report *TickReport) { f(ctx, report) }

type named interface{ Name() string }

func names[T named](items []T) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Name()
	}
	return out
}

func summarize(report *TickReport, infos *InfoSet) {
	if infos.Fan != nil {
		report.Fans = FanSummary{
			Present: names(infos.Fan.presence),
			Absent:  names(infos.Fan.absence),
			Fault:   names(infos.Fan.fault),
		}
	}
	if infos.Psu != nil {
		report.Psus = PsuSummary{
			Present: names(infos.Psu.presence),
			Absent:  names(infos.Psu.absence),
		}
	}
	if infos.Thermal != nil && infos.Thermal.seeded {
		st := infos.Thermal.State()
		report.Thermal = &st
	}
}
