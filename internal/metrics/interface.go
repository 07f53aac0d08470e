package metrics

import (
	"context"
	"time"
)

// Recorder stores tick history
type Recorder interface {
	Record(ctx context.Context, record *TickRecord) error
	Close() error
}

// Repository defines the interface for tick history storage
type Repository interface {
	Record(record *TickRecord) error
	// Recent returns up to limit stored records, newest first
	Recent(limit int) ([]TickRecord, error)
	Close() error
}

// TickRecord is one stored engine tick
type TickRecord struct {
	Timestamp time.Time
	Duration  time.Duration
	Thermal   ThermalMetrics
	Fans      FanMetrics
	Psus      PsuMetrics
	Policies  PolicyMetrics
}

// Domain value objects
type ThermalMetrics struct {
	Valid    bool
	Average  float64
	Previous float64
	Critical float64
	WarmUp   bool
	CoolDown bool
}

type FanMetrics struct {
	Present int
	Absent  int
	Fault   int
}

type PsuMetrics struct {
	Present int
	Absent  int
}

type PolicyMetrics struct {
	Matched       []string
	CollectErrors int
	ActionErrors  int
}
