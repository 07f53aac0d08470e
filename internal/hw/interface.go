// Package hw defines the hardware surface the thermal engine reads from and
// drives. Backends (NVML, host sensors) implement it; the engine never
// touches registers or buses directly.
package hw

// Chassis enumerates the hardware objects of one system
type Chassis interface {
	Fans() []Fan
	Thermals() []Thermal
	Psus() []Psu
}

// Fan is a single controllable fan
type Fan interface {
	Name() string
	// Presence reports whether the fan is physically installed
	Presence() (bool, error)
	// Status reports whether the fan is operating normally
	Status() (bool, error)
	// SetSpeed sets the target duty in percent (0-100)
	SetSpeed(percent int) error
}

// Thermal is a single temperature sensor. Readings are in Celsius.
type Thermal interface {
	Name() string
	Temperature() (float64, error)
	HighThreshold() (float64, error)
	HighCriticalThreshold() (float64, error)
}

// Psu is a single power supply unit
type Psu interface {
	Name() string
	Presence() (bool, error)
	PowerGood() (bool, error)
}

// Alarmer is implemented by chassis that can signal a fatal thermal event
// to the platform (front panel LED, BMC event, power cycle request).
type Alarmer interface {
	RaiseAlarm(reason string) error
}

// Restorer is implemented by chassis that can hand fan control back to
// firmware when the engine exits.
type Restorer interface {
	RestoreDefaults() error
}
